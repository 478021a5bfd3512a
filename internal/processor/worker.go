package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/analysis"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/render"
	"github.com/jo-hoe/reelcut/internal/segments"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
)

// Pipeline stages named in failure messages.
const (
	StageSource   = "source"
	StageAnalyze  = "analysis"
	StageParse    = "parse"
	StageDescribe = "description"
	StageRender   = "render"
	StageUpload   = "upload"
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + " failed: " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Worker implements jobs.Processor: analysis, segment selection and clip
// rendering for one job.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    storage.Store
	LLM      llm.Client
	Tool     *ffmpeg.Tool
	Renderer *render.Renderer
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store storage.Store, c llm.Client, tool *ffmpeg.Tool) *Worker {
	return &Worker{
		Log:   log,
		Cfg:   cfg,
		Store: store,
		LLM:   c,
		Tool:  tool,
		Renderer: render.New(tool, render.Options{
			Preset:          cfg.Media.Preset,
			CRF:             cfg.Media.CRF,
			ThumbnailOffset: cfg.Media.ThumbnailOffset,
		}),
	}
}

// run holds per-job state. uploaded lists every key written so a failure
// can remove them all.
type run struct {
	w        *Worker
	job      jobs.Job
	log      *slog.Logger
	report   jobs.Reporter
	workDir  string
	uploaded []string
}

func (w *Worker) Process(ctx context.Context, job jobs.Job, report jobs.Reporter) (res jobs.Result, err error) {
	if w.Cfg.Media.WorkDir != "" {
		if err := os.MkdirAll(w.Cfg.Media.WorkDir, 0o750); err != nil {
			return jobs.Result{}, fmt.Errorf("create work dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(w.Cfg.Media.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("create job dir: %w", err)
	}
	r := &run{w: w, job: job, log: w.Log.With("job_id", job.ID), report: report, workDir: workDir}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.log.Warn("remove work dir", "dir", workDir, "err", rmErr)
		}
	}()
	defer func() {
		if err != nil {
			r.discardUploads()
		}
	}()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (jobs.Result, error) {
	job := r.job
	cfg := r.w.Cfg

	r.report(jobs.StateAdmitted, 5, "verifying source")
	ok, err := r.w.Store.Exists(ctx, job.SourceKey)
	if err != nil {
		return jobs.Result{}, stageErr(StageSource, err)
	}
	if !ok {
		return jobs.Result{}, stageErr(StageSource, fmt.Errorf("%s: %w", job.SourceKey, storage.ErrNotFound))
	}
	src, err := r.w.Store.ReadHandle(ctx, job.SourceKey, cfg.Storage.ReadHandleTTL)
	if err != nil {
		return jobs.Result{}, stageErr(StageSource, err)
	}

	r.report(jobs.StateAnalyzing, 15, "analyzing "+string(job.ContentClass)+" content")
	profile := types.ProfileFor(job.OutputMode)
	analyzer := analysis.Select(job.ContentClass, job.MediaType, analysis.Deps{
		LLM:   r.w.LLM,
		Audio: r.w.Tool,
		Store: r.w.Store,
		Log:   r.log,
		AudioOpts: ffmpeg.AudioOptions{
			SampleRate: cfg.Media.AudioSampleRate,
			Bitrate:    cfg.Media.AudioBitrate,
		},
		HandleTTL: cfg.Storage.ReadHandleTTL,
		TempGrace: cfg.Storage.TempAudioGrace,
	})
	an, err := analyzer.Analyze(ctx, analysis.Input{
		JobID:     job.ID,
		Source:    src,
		MediaType: job.MediaType,
		Class:     job.ContentClass,
		WorkDir:   r.workDir,
		Request: llm.ExtractRequest{
			Profile:       profile,
			Class:         job.ContentClass,
			TargetSeconds: job.TargetSeconds,
			SourceSeconds: job.SourceSeconds,
			Instructions:  job.Instructions,
		},
	})
	if an.File.Name != "" {
		defer r.release(an.File)
	}
	if err != nil {
		return jobs.Result{}, stageErr(StageAnalyze, err)
	}
	r.log.Info("analysis done", "path", an.Path)

	r.report(jobs.StateAnalyzing, 40, "parsing segments")
	parsed, err := segments.Parse(an.Raw, profile)
	if err != nil {
		return jobs.Result{}, stageErr(StageParse, err)
	}
	segs := segments.ResolveOverlaps(parsed.Segments, profile.MinSegment)
	segs = segments.FitBudget(segs, job.TargetSeconds, profile)
	if len(segs) == 0 {
		return jobs.Result{}, stageErr(StageParse, fmt.Errorf("%w: none left after overlap resolution", segments.ErrNoValidSegments))
	}
	r.log.Info("segments selected", "strategy", parsed.Strategy, "rejected", parsed.Rejected,
		"count", len(segs), "total", types.TotalDuration(segs))

	r.report(jobs.StateGenerating, 50, "writing description")
	desc, err := r.w.LLM.Describe(ctx, an.File, segs)
	if err != nil {
		return jobs.Result{}, stageErr(StageDescribe, err)
	}

	r.report(jobs.StateProcessing, 55, fmt.Sprintf("rendering %d segments", len(segs)))
	var clips []types.ProcessedClip
	if job.OutputMode == types.ModeCombined {
		clips, err = r.renderCombined(ctx, src.Location(), segs, desc)
	} else {
		clips, err = r.renderIndividual(ctx, src.Location(), segs)
	}
	if err != nil {
		return jobs.Result{}, err
	}

	r.report(jobs.StateFinalizing, 95, "finalizing")
	for i := range clips {
		h, err := r.w.Store.ReadHandle(ctx, clips[i].MediaKey, cfg.Storage.ReadHandleTTL)
		if err != nil {
			return jobs.Result{}, stageErr(StageUpload, err)
		}
		clips[i].PreviewURL = h.URL
	}
	r.saveTranscript(ctx, an.Transcript)

	return jobs.Result{Clips: clips, Description: desc, Transcript: an.Transcript}, nil
}

func (r *run) renderIndividual(ctx context.Context, src string, segs []types.Segment) ([]types.ProcessedClip, error) {
	clips := make([]types.ProcessedClip, 0, len(segs))
	for i, seg := range segs {
		local := filepath.Join(r.workDir, fmt.Sprintf("%03d.mp4", i))
		art, err := r.w.Renderer.ExtractClip(ctx, src, seg, local)
		if err != nil {
			return nil, stageErr(StageRender, fmt.Errorf("segment %d %q: %w", i, seg.Title, err))
		}
		if art.Tier > 1 {
			r.log.Warn("segment rendered with fallback", "segment", i, "tier", art.Tier)
		}
		key := storage.ClipKey(r.job.ProjectID, r.job.ID, i)
		thumb, err := r.persist(ctx, art, key)
		if err != nil {
			return nil, err
		}
		clips = append(clips, types.ProcessedClip{
			Segment:      seg,
			MediaKey:     key,
			ThumbnailKey: thumb,
			Duration:     art.Duration,
			Tier:         art.Tier,
		})
		r.report(jobs.StateProcessing, 55+35*(i+1)/len(segs), fmt.Sprintf("rendered %d/%d", i+1, len(segs)))
	}
	return clips, nil
}

func (r *run) renderCombined(ctx context.Context, src string, segs []types.Segment, desc string) ([]types.ProcessedClip, error) {
	parts := make([]render.Artifact, 0, len(segs))
	for i, seg := range segs {
		local := filepath.Join(r.workDir, fmt.Sprintf("part-%03d.mp4", i))
		art, err := r.w.Renderer.ExtractClip(ctx, src, seg, local)
		if err != nil {
			return nil, stageErr(StageRender, fmt.Errorf("segment %d %q: %w", i, seg.Title, err))
		}
		parts = append(parts, art)
		r.report(jobs.StateProcessing, 55+30*(i+1)/len(segs), fmt.Sprintf("rendered %d/%d", i+1, len(segs)))
	}

	combined, err := r.w.Renderer.Concatenate(ctx, parts, filepath.Join(r.workDir, "combined.mp4"))
	if err != nil {
		return nil, stageErr(StageRender, fmt.Errorf("concatenate: %w", err))
	}
	for _, p := range parts {
		_ = os.Remove(p.Path)
	}

	key := storage.CombinedKey(r.job.ProjectID, r.job.ID)
	thumb, err := r.persist(ctx, combined, key)
	if err != nil {
		return nil, err
	}
	r.report(jobs.StateProcessing, 90, "combined video stored")

	sig := 1
	for _, s := range segs {
		sig = max(sig, s.Significance)
	}
	// Start and End describe the output timeline of the joined video.
	return []types.ProcessedClip{{
		Segment: types.Segment{
			Title:         segs[0].Title,
			Description:   desc,
			Start:         0,
			End:           combined.Duration,
			Significance:  sig,
			NarrativeRole: "story",
		},
		MediaKey:     key,
		ThumbnailKey: thumb,
		Duration:     combined.Duration,
		Tier:         combined.Tier,
	}}, nil
}

// persist uploads the rendered media and its thumbnail and returns the
// thumbnail key.
func (r *run) persist(ctx context.Context, art render.Artifact, key string) (string, error) {
	thumbLocal := strings.TrimSuffix(art.Path, filepath.Ext(art.Path)) + ".jpg"
	if err := r.w.Renderer.Thumbnail(ctx, art, thumbLocal); err != nil {
		return "", stageErr(StageRender, fmt.Errorf("thumbnail: %w", err))
	}
	if err := r.upload(ctx, key, art.Path); err != nil {
		return "", err
	}
	thumbKey := storage.ThumbnailKey(key)
	if err := r.upload(ctx, thumbKey, thumbLocal); err != nil {
		return "", err
	}
	return thumbKey, nil
}

func (r *run) upload(ctx context.Context, key, path string) error {
	r.uploaded = append(r.uploaded, key)
	if err := storage.PutFile(ctx, r.w.Store, key, path); err != nil {
		return stageErr(StageUpload, err)
	}
	return nil
}

// saveTranscript stores the transcript next to the clips. It is an
// enrichment only.
func (r *run) saveTranscript(ctx context.Context, transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	key := storage.TranscriptKey(r.job.ProjectID, r.job.ID)
	if err := r.w.Store.Put(ctx, key, strings.NewReader(transcript)); err != nil {
		r.log.Warn("store transcript", "key", key, "err", err)
		return
	}
	r.uploaded = append(r.uploaded, key)
}

// discardUploads removes everything this job stored so a failed job leaves
// no partial output behind.
func (r *run) discardUploads() {
	if len(r.uploaded) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range r.uploaded {
		if err := r.w.Store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("discard artifact", "key", key, "err", err)
		}
	}
	r.log.Info("discarded partial output", "count", len(r.uploaded))
}

func (r *run) release(f llm.File) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.w.LLM.Release(ctx, f); err != nil {
		r.log.Warn("release model file", "file", f.Name, "err", err)
	}
}
