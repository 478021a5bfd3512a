// Package analysis runs the content understanding step of a job. Speech
// dominated video is analyzed from a cheap audio extract; everything else is
// analyzed from the source media itself.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
)

// Path records which media the model actually saw.
type Path string

const (
	PathAudio Path = "audio"
	PathMedia Path = "media"
)

// AudioExtractor produces the speech-analysis audio track.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, src, dst string, opts ffmpeg.AudioOptions) error
}

// Input describes one analysis run.
type Input struct {
	JobID     string
	Source    storage.Handle // read handle on the source object
	MediaType types.MediaType
	Class     types.ContentClass
	Request   llm.ExtractRequest
	WorkDir   string // job scratch directory
}

// Result is the model's view of the source.
type Result struct {
	File       llm.File // uploaded media, reusable for description
	Raw        string   // unparsed segment answer
	Transcript string
	Path       Path
}

// Analyzer runs content understanding for one content class.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Result, error)
}

// Deps are shared by both strategies.
type Deps struct {
	LLM       llm.Client
	Audio     AudioExtractor
	Store     storage.Store
	Log       *slog.Logger
	AudioOpts ffmpeg.AudioOptions
	HandleTTL time.Duration // lifetime of the temporary audio read handle
	TempGrace time.Duration // delay before the temporary audio is deleted
}

// Select returns the strategy for class and media type. Only speech video
// takes the audio path; audio sources already are audio.
func Select(class types.ContentClass, media types.MediaType, d Deps) Analyzer {
	direct := &mediaAnalyzer{deps: d}
	if class == types.ClassSpeech && media == types.MediaVideo {
		return &speechAnalyzer{deps: d, fallback: direct}
	}
	return direct
}

// mediaAnalyzer hands the source to the model unchanged.
type mediaAnalyzer struct {
	deps Deps
}

func (a *mediaAnalyzer) Analyze(ctx context.Context, in Input) (Result, error) {
	mime := storage.ContentTypeFor(in.Source.Key)
	return run(ctx, a.deps.LLM, llm.Media{Location: in.Source.Location(), MimeType: mime, DisplayName: in.JobID}, in.Request, PathMedia)
}

func run(ctx context.Context, client llm.Client, m llm.Media, req llm.ExtractRequest, path Path) (Result, error) {
	f, err := client.Upload(ctx, m)
	if err != nil {
		return Result{}, fmt.Errorf("upload media: %w", err)
	}
	transcript := client.Transcribe(ctx, f)
	raw, err := client.ExtractSegments(ctx, f, req)
	if err != nil {
		return Result{File: f}, err
	}
	return Result{File: f, Raw: raw, Transcript: transcript, Path: path}, nil
}
