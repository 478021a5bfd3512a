package processor

import (
	"context"
	"errors"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/ffmpeg/ffmpegtest"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/llm/mock"
	"github.com/jo-hoe/reelcut/internal/logging"
	"github.com/jo-hoe/reelcut/internal/segments"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
)

const sourceKey = "uploads/talk.mp4"

// countingLLM wraps the mock model, optionally replacing its segment answer.
type countingLLM struct {
	*mock.Client
	raw      string
	mu       sync.Mutex
	released int
}

func (c *countingLLM) ExtractSegments(ctx context.Context, f llm.File, req llm.ExtractRequest) (string, error) {
	if c.raw != "" {
		return c.raw, nil
	}
	return c.Client.ExtractSegments(ctx, f, req)
}

func (c *countingLLM) Release(context.Context, llm.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	return nil
}

type fixture struct {
	worker *Worker
	store  *storage.LocalStore
	runner *ffmpegtest.Runner
	model  *countingLLM
	cfg    *config.Config
}

func newFixture(t *testing.T, runner *ffmpegtest.Runner) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Media.WorkDir = t.TempDir()

	store, err := storage.NewLocalStore(t.TempDir(), storage.NewSigner("test-key"), "http://localhost:8080")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := store.Put(context.Background(), sourceKey, strings.NewReader("source")); err != nil {
		t.Fatalf("Put source: %v", err)
	}
	model := &countingLLM{Client: mock.New(config.MockSettings{SegmentSeconds: 20})}
	tool := ffmpeg.New("ffmpeg", "ffprobe", runner)
	w := New(logging.Discard(), cfg, store, model, tool)
	return &fixture{worker: w, store: store, runner: runner, model: model, cfg: cfg}
}

func newJob(target float64, class types.ContentClass) jobs.Job {
	return jobs.Job{
		ID: "job-1",
		Input: jobs.Input{
			SourceKey:     sourceKey,
			MediaType:     types.MediaVideo,
			ContentClass:  class,
			TargetSeconds: target,
			UserID:        "u1",
			ProjectID:     "p1",
		},
		OutputMode:    types.ModeFor(target, 180),
		SourceSeconds: 600,
	}
}

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) report(_ jobs.State, progress int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, progress)
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists(%s): %v", key, err)
	}
	return ok
}

func (f *fixture) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.cfg.Media.WorkDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir not cleaned: %d entries", len(entries))
	}
}

func TestProcess_IndividualClips(t *testing.T) {
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600, Width: 1280, Height: 720})
	job := newJob(90, types.ClassSpeech)
	progress := &progressLog{}

	res, err := f.worker.Process(context.Background(), job, progress.report)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if job.OutputMode != types.ModeIndividual || len(res.Clips) < 2 {
		t.Fatalf("mode %s produced %d clips", job.OutputMode, len(res.Clips))
	}

	var total float64
	for i, c := range res.Clips {
		total += c.Duration
		if c.Tier != 1 || c.PreviewURL == "" {
			t.Fatalf("clip %d = %+v", i, c)
		}
		if i > 0 && c.Start < res.Clips[i-1].End {
			t.Fatalf("clips overlap or are out of order at %d", i)
		}
		if c.MediaKey != storage.ClipKey("p1", "job-1", i) || !f.exists(t, c.MediaKey) || !f.exists(t, c.ThumbnailKey) {
			t.Fatalf("clip %d not stored: %+v", i, c)
		}
	}
	if math.Abs(total-90) > 90*types.ProfileFor(types.ModeIndividual).Tolerance {
		t.Fatalf("total duration %v not within tolerance of 90", total)
	}
	if res.Description == "" || !f.exists(t, storage.TranscriptKey("p1", "job-1")) {
		t.Fatalf("description or transcript missing")
	}
	if !slices.IsSorted(progress.values) || progress.values[len(progress.values)-1] != 95 {
		t.Fatalf("progress = %v", progress.values)
	}
	if f.model.released != 1 {
		t.Fatalf("model file released %d times", f.model.released)
	}
	f.assertWorkDirEmpty(t)
}

func TestProcess_CombinedVideo(t *testing.T) {
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600, Width: 1280, Height: 720})
	job := newJob(600, types.ClassVisual)

	res, err := f.worker.Process(context.Background(), job, func(jobs.State, int, string) {})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res.Clips) != 1 {
		t.Fatalf("combined mode produced %d clips", len(res.Clips))
	}
	c := res.Clips[0]
	if c.MediaKey != storage.CombinedKey("p1", "job-1") || c.ThumbnailKey != storage.ThumbnailKey(c.MediaKey) {
		t.Fatalf("clip keys = %+v", c)
	}
	if math.Abs(c.Duration-600) > 0.01 {
		t.Fatalf("combined duration = %v, want sum of segments 600", c.Duration)
	}
	if c.Start != 0 || c.End != c.Duration {
		t.Fatalf("combined clip spans %v-%v, want 0-%v", c.Start, c.End, c.Duration)
	}
	if !f.exists(t, c.MediaKey) || !f.exists(t, c.ThumbnailKey) {
		t.Fatalf("combined output not stored")
	}
	if f.exists(t, storage.ClipKey("p1", "job-1", 0)) {
		t.Fatalf("intermediate parts must not be uploaded")
	}
	thumbs := 0
	for _, call := range f.runner.Calls() {
		if slices.Contains(call, "-frames:v") {
			thumbs++
		}
	}
	if thumbs != 1 {
		t.Fatalf("thumbnails rendered = %d, want 1", thumbs)
	}
	f.assertWorkDirEmpty(t)
}

func TestProcess_Tier2FallbackCompletes(t *testing.T) {
	tier1 := func(args []string) bool {
		return slices.Contains(args, "libx264") && !slices.Contains(args, "lavfi")
	}
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600, Width: 640, Height: 360, FailIf: tier1})

	res, err := f.worker.Process(context.Background(), newJob(90, types.ClassSpeech), func(jobs.State, int, string) {})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, c := range res.Clips {
		if c.Tier != 2 || c.Duration <= 0 {
			t.Fatalf("clip = %+v, want tier 2", c)
		}
	}
	canvas := false
	for _, call := range f.runner.Calls() {
		if slices.Contains(call, "color=c=black:s=640x360:d=18.000") {
			canvas = true
		}
	}
	if !canvas {
		t.Fatalf("black canvas with source dimensions was not rendered")
	}
}

func TestProcess_AudioSourceRendersOnBlackCanvas(t *testing.T) {
	for _, target := range []float64{90, 600} {
		f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600})
		job := newJob(target, types.ClassSpeech)
		job.MediaType = types.MediaAudio

		res, err := f.worker.Process(context.Background(), job, func(jobs.State, int, string) {})
		if err != nil {
			t.Fatalf("target %v: Process: %v", target, err)
		}
		if len(res.Clips) == 0 {
			t.Fatalf("target %v: no clips", target)
		}
		for i, c := range res.Clips {
			if c.Tier != 2 || !f.exists(t, c.MediaKey) || !f.exists(t, c.ThumbnailKey) {
				t.Fatalf("target %v: clip %d = %+v", target, i, c)
			}
		}
		canvas := false
		for _, call := range f.runner.Calls() {
			if slices.Contains(call, "-vn") {
				t.Fatalf("audio sources are analyzed as-is, not re-extracted")
			}
			for _, a := range call {
				if strings.HasPrefix(a, "color=c=black:s=1280x720:") {
					canvas = true
				}
			}
		}
		if !canvas {
			t.Fatalf("target %v: black canvas was not rendered", target)
		}
		f.assertWorkDirEmpty(t)
	}
}

func TestProcess_MissingVideoStreamCompletesViaCanvas(t *testing.T) {
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600})

	res, err := f.worker.Process(context.Background(), newJob(90, types.ClassSpeech), func(jobs.State, int, string) {})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i, c := range res.Clips {
		if c.Tier != 2 || c.Duration <= 0 || !f.exists(t, c.ThumbnailKey) {
			t.Fatalf("clip %d = %+v, want tier 2 with thumbnail", i, c)
		}
	}
	tier1 := 0
	for _, call := range f.runner.Calls() {
		if slices.Contains(call, "0:v:0") && !slices.Contains(call, "lavfi") {
			tier1++
		}
	}
	if tier1 != len(res.Clips) {
		t.Fatalf("tier 1 attempts = %d, want one per clip (%d)", tier1, len(res.Clips))
	}
}

func TestProcess_FailureDiscardsUploads(t *testing.T) {
	failSecondThumb := func(args []string) bool {
		return slices.Contains(args, "-frames:v") && strings.HasSuffix(args[len(args)-1], "001.jpg")
	}
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600, Width: 1280, Height: 720, FailIf: failSecondThumb})

	_, err := f.worker.Process(context.Background(), newJob(90, types.ClassVisual), func(jobs.State, int, string) {})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageRender {
		t.Fatalf("expected render StageError, got %v", err)
	}
	first := storage.ClipKey("p1", "job-1", 0)
	if f.exists(t, first) || f.exists(t, storage.ThumbnailKey(first)) {
		t.Fatalf("artifacts of a failed job must be removed")
	}
	if !f.exists(t, sourceKey) {
		t.Fatalf("source must survive a failed job")
	}
	f.assertWorkDirEmpty(t)
}

func TestProcess_ParseFailure(t *testing.T) {
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600, Width: 1280, Height: 720})
	f.model.raw = "Sorry, I could not find any highlights in this video."

	_, err := f.worker.Process(context.Background(), newJob(90, types.ClassVisual), func(jobs.State, int, string) {})
	if !errors.Is(err, segments.ErrNoValidSegments) {
		t.Fatalf("expected ErrNoValidSegments, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "parse failed:") || !strings.Contains(err.Error(), "could not find any highlights") {
		t.Fatalf("message should name the stage and preview the response: %v", err)
	}
	if f.model.released != 1 {
		t.Fatalf("model file should be released on failure")
	}
}

func TestProcess_MissingSource(t *testing.T) {
	f := newFixture(t, &ffmpegtest.Runner{SourceDuration: 600})
	job := newJob(90, types.ClassVisual)
	job.SourceKey = "uploads/gone.mp4"

	_, err := f.worker.Process(context.Background(), job, func(jobs.State, int, string) {})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected storage.ErrNotFound, got %v", err)
	}
	if len(f.runner.Calls()) != 0 {
		t.Fatalf("no media work should happen without a source")
	}
}
