package analysis

import (
	"context"
	"path/filepath"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/storage"
)

// speechAnalyzer analyzes a mono audio extract of the source and falls back
// to the full media when the extract cannot be produced.
type speechAnalyzer struct {
	deps     Deps
	fallback Analyzer
}

func (a *speechAnalyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	h, ok := a.prepareAudio(ctx, in)
	if !ok {
		return a.fallback.Analyze(ctx, in)
	}
	return run(ctx, a.deps.LLM, llm.Media{Location: h.Location(), MimeType: common.ContentTypeMP3, DisplayName: in.JobID + "-audio"}, in.Request, PathAudio)
}

// prepareAudio extracts the audio track, stores it under the temp namespace
// and returns a bounded read handle. Deletion is scheduled as soon as the
// object exists so a later failure cannot orphan it.
func (a *speechAnalyzer) prepareAudio(ctx context.Context, in Input) (storage.Handle, bool) {
	log := a.deps.Log.With("job_id", in.JobID)
	local := filepath.Join(in.WorkDir, "audio.mp3")
	if err := a.deps.Audio.ExtractAudio(ctx, in.Source.Location(), local, a.deps.AudioOpts); err != nil {
		log.Warn("audio extraction failed, analyzing full media", "err", err)
		return storage.Handle{}, false
	}

	key := storage.TempAudioKey(in.JobID)
	if err := storage.PutFile(ctx, a.deps.Store, key, local); err != nil {
		log.Warn("temp audio upload failed, analyzing full media", "err", err)
		return storage.Handle{}, false
	}
	storage.DeleteLater(a.deps.Store, key, a.deps.TempGrace, a.deps.Log)

	h, err := a.deps.Store.ReadHandle(ctx, key, a.deps.HandleTTL)
	if err != nil {
		log.Warn("temp audio handle failed, analyzing full media", "err", err)
		return storage.Handle{}, false
	}
	return h, true
}
