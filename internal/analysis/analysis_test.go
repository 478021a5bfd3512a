package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
)

type llmStub struct {
	uploads   []llm.Media
	uploadErr error
}

func (s *llmStub) Upload(_ context.Context, m llm.Media) (llm.File, error) {
	s.uploads = append(s.uploads, m)
	if s.uploadErr != nil {
		return llm.File{}, s.uploadErr
	}
	return llm.File{Name: "files/1", URI: "u", MimeType: m.MimeType}, nil
}
func (s *llmStub) Transcribe(context.Context, llm.File) string { return "hello world" }
func (s *llmStub) ExtractSegments(context.Context, llm.File, llm.ExtractRequest) (string, error) {
	return `[{"title":"a","start_time":0,"end_time":10}]`, nil
}
func (s *llmStub) Describe(context.Context, llm.File, []types.Segment) (string, error) {
	return "", nil
}
func (s *llmStub) Release(context.Context, llm.File) error { return nil }

type audioStub struct {
	err   error
	calls int
}

func (a *audioStub) ExtractAudio(_ context.Context, _, dst string, _ ffmpeg.AudioOptions) error {
	a.calls++
	if a.err != nil {
		return a.err
	}
	return os.WriteFile(dst, []byte("mp3"), 0o600)
}

func setup(t *testing.T, audio *audioStub) (Deps, *llmStub, Input) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), storage.NewSigner("k"), "")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := store.Put(context.Background(), "uploads/talk.mp4", strings.NewReader("video")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h, err := store.ReadHandle(context.Background(), "uploads/talk.mp4", time.Hour)
	if err != nil {
		t.Fatalf("ReadHandle: %v", err)
	}
	stub := &llmStub{}
	deps := Deps{
		LLM:       stub,
		Audio:     audio,
		Store:     store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		HandleTTL: time.Hour,
		TempGrace: time.Hour,
	}
	in := Input{JobID: "j1", Source: h, WorkDir: t.TempDir()}
	return deps, stub, in
}

func TestSelect(t *testing.T) {
	d := Deps{}
	if _, ok := Select(types.ClassSpeech, types.MediaVideo, d).(*speechAnalyzer); !ok {
		t.Fatalf("speech video should use the audio path")
	}
	if _, ok := Select(types.ClassSpeech, types.MediaAudio, d).(*mediaAnalyzer); !ok {
		t.Fatalf("audio sources should be analyzed directly")
	}
	if _, ok := Select(types.ClassVisual, types.MediaVideo, d).(*mediaAnalyzer); !ok {
		t.Fatalf("visual video should use the media path")
	}
}

func TestSpeechAnalyzer_UsesTempAudio(t *testing.T) {
	audio := &audioStub{}
	deps, stub, in := setup(t, audio)

	res, err := Select(types.ClassSpeech, types.MediaVideo, deps).Analyze(context.Background(), in)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Path != PathAudio || res.Transcript != "hello world" || res.Raw == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(stub.uploads) != 1 || stub.uploads[0].MimeType != common.ContentTypeMP3 {
		t.Fatalf("uploads = %+v", stub.uploads)
	}
	if ok, _ := deps.Store.Exists(context.Background(), storage.TempAudioKey("j1")); !ok {
		t.Fatalf("temp audio should be stored until its grace period ends")
	}
}

func TestSpeechAnalyzer_FallsBackOnExtractionFailure(t *testing.T) {
	audio := &audioStub{err: errors.New("no audio stream")}
	deps, stub, in := setup(t, audio)

	res, err := Select(types.ClassSpeech, types.MediaVideo, deps).Analyze(context.Background(), in)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Path != PathMedia {
		t.Fatalf("path = %q, want media", res.Path)
	}
	if audio.calls != 1 || len(stub.uploads) != 1 || stub.uploads[0].MimeType != common.ContentTypeMP4 {
		t.Fatalf("fallback should upload the source video: %+v", stub.uploads)
	}
}

func TestAnalyze_UploadFailureIsFatal(t *testing.T) {
	deps, stub, in := setup(t, &audioStub{})
	stub.uploadErr = llm.ErrProcessingTimeout

	_, err := Select(types.ClassVisual, types.MediaVideo, deps).Analyze(context.Background(), in)
	if !errors.Is(err, llm.ErrProcessingTimeout) {
		t.Fatalf("expected ErrProcessingTimeout, got %v", err)
	}
}
