package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/credits"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
	"github.com/jo-hoe/reelcut/internal/util"
)

// Reporter records pipeline progress for the running job.
type Reporter func(state State, progress int, message string)

// Processor drives one admitted job to a result.
type Processor interface {
	Process(ctx context.Context, job Job, report Reporter) (Result, error)
}

// Authorizer prices a job and debits its owner.
type Authorizer interface {
	Authorize(ctx context.Context, userID, location string, class types.ContentClass, reason string) (credits.Quote, error)
}

// Sources is the part of the object store needed at submission.
type Sources interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadHandle(ctx context.Context, key string, ttl time.Duration) (storage.Handle, error)
}

// Orchestrator owns the job map, admits queued jobs up to the concurrency
// cap in arrival order and records their lifecycle.
type Orchestrator struct {
	log       *slog.Logger
	cfg       config.OrchestratorConfig
	store     *MemoryStore
	mirror    Mirror // nil disables durable records
	events    *EventBus
	proc      Processor
	auth      Authorizer
	sources   Sources
	handleTTL time.Duration

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
	wg     sync.WaitGroup

	jobCtx    context.Context
	cancelJob context.CancelFunc
	now       func() time.Time
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store     *MemoryStore
	Mirror    Mirror
	Events    *EventBus
	Processor Processor
	Auth      Authorizer
	Sources   Sources
	HandleTTL time.Duration // lifetime of the read handle used to price the source
}

// NewOrchestrator builds an orchestrator. Jobs are admitted as soon as they
// are submitted; Run adds the periodic admission scan and janitor.
func NewOrchestrator(log *slog.Logger, cfg config.OrchestratorConfig, d Deps) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = common.DefaultMaxConcurrentJobs
	}
	if cfg.MaxTargetSeconds <= 0 {
		cfg.MaxTargetSeconds = 1800
	}
	if cfg.CombinedThresholdSeconds <= 0 {
		cfg.CombinedThresholdSeconds = 180
	}
	if d.Store == nil {
		d.Store = NewMemoryStore()
	}
	if d.Events == nil {
		d.Events = NewEventBus(cfg.EventBuffer)
	}
	if d.HandleTTL <= 0 {
		d.HandleTTL = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:       log.With("component", "orchestrator"),
		cfg:       cfg,
		store:     d.Store,
		mirror:    d.Mirror,
		events:    d.Events,
		proc:      d.Processor,
		auth:      d.Auth,
		sources:   d.Sources,
		handleTTL: d.HandleTTL,
		active:    make(map[string]struct{}),
		jobCtx:    ctx,
		cancelJob: cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Events exposes the progress bus.
func (o *Orchestrator) Events() *EventBus { return o.events }

// Submit validates in, charges its owner and queues the job. Nothing is
// created when validation, the source check or authorization fails.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (Job, error) {
	mode, err := o.validate(&in)
	if err != nil {
		return Job{}, err
	}

	ok, err := o.sources.Exists(ctx, in.SourceKey)
	if err != nil {
		return Job{}, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return Job{}, fmt.Errorf("source %q: %w", in.SourceKey, storage.ErrNotFound)
	}
	h, err := o.sources.ReadHandle(ctx, in.SourceKey, o.handleTTL)
	if err != nil {
		return Job{}, fmt.Errorf("source handle: %w", err)
	}

	id := util.NewID()
	if in.ProjectID == "" {
		in.ProjectID = id
	}
	var quote credits.Quote
	if o.auth != nil {
		quote, err = o.auth.Authorize(ctx, in.UserID, h.Location(), in.ContentClass, "job "+id)
		if err != nil {
			return Job{}, err
		}
	}

	job := o.store.Create(Job{
		ID:            id,
		Input:         in,
		OutputMode:    mode,
		Credits:       quote.Credits,
		SourceSeconds: quote.SourceSeconds,
		Status:        StatusQueued,
		Message:       "queued",
		CreatedAt:     o.now(),
	})
	o.log.Info("job queued", "job_id", id, "user_id", in.UserID, "mode", mode, "credits", quote.Credits)
	o.persist(job)
	o.events.Publish(Event{JobID: id, State: StateQueued, Message: "queued"})

	o.admit()
	return job, nil
}

func (o *Orchestrator) validate(in *Input) (types.OutputMode, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return "", &ValidationError{Field: "userId", Reason: "is required"}
	}
	key, err := storage.CleanKey(in.SourceKey)
	if err != nil {
		return "", &ValidationError{Field: "sourceLocator", Reason: err.Error()}
	}
	in.SourceKey = key
	if in.MediaType, err = types.ParseMediaType(string(in.MediaType)); err != nil {
		return "", &ValidationError{Field: "mediaType", Reason: err.Error()}
	}
	if in.ContentClass, err = types.ParseContentClass(string(in.ContentClass)); err != nil {
		return "", &ValidationError{Field: "contentClass", Reason: err.Error()}
	}
	if in.TargetSeconds < o.cfg.MinTargetSeconds || in.TargetSeconds > o.cfg.MaxTargetSeconds {
		return "", &ValidationError{
			Field:  "targetDurationSeconds",
			Reason: fmt.Sprintf("must be between %g and %g", o.cfg.MinTargetSeconds, o.cfg.MaxTargetSeconds),
		}
	}
	if in.ProjectID != "" {
		if _, err := storage.CleanKey(in.ProjectID); err != nil || strings.Contains(in.ProjectID, "/") {
			return "", &ValidationError{Field: "projectId", Reason: "must be a single path segment"}
		}
	}
	in.Instructions = strings.TrimSpace(in.Instructions)
	return types.ModeFor(in.TargetSeconds, o.cfg.CombinedThresholdSeconds), nil
}

// Get returns a job from memory, falling back to the durable mirror.
func (o *Orchestrator) Get(ctx context.Context, id string) (Job, error) {
	if j, ok := o.store.Get(id); ok {
		return j, nil
	}
	if o.mirror == nil {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return o.mirror.Get(ctx, id)
}

// ListForUser returns the user's jobs newest first, merging in mirrored jobs
// already purged from memory.
func (o *Orchestrator) ListForUser(ctx context.Context, userID string) ([]Job, error) {
	live := o.store.ListForUser(userID)
	if o.mirror == nil {
		return live, nil
	}
	stored, err := o.mirror.ListForUser(ctx, userID, 0)
	if err != nil {
		o.log.Warn("list mirrored jobs", "user_id", userID, "err", err)
		return live, nil
	}
	seen := make(map[string]struct{}, len(live))
	for _, j := range live {
		seen[j.ID] = struct{}{}
	}
	for _, j := range stored {
		if _, ok := seen[j.ID]; !ok {
			live = append(live, j)
		}
	}
	return live, nil
}

// Active returns the number of jobs currently processing.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Run performs periodic admission scans and retention sweeps until ctx is
// done.
func (o *Orchestrator) Run(ctx context.Context) error {
	admitEvery := o.cfg.AdmissionInterval
	if admitEvery <= 0 {
		admitEvery = 5 * time.Second
	}
	sweepEvery := o.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Minute
	}
	admitTicker := time.NewTicker(admitEvery)
	defer admitTicker.Stop()
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-admitTicker.C:
			o.admit()
		case <-sweepTicker.C:
			o.Sweep()
		}
	}
}

// Sweep removes terminal jobs older than the retention window from memory.
func (o *Orchestrator) Sweep() int {
	retention := o.cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	n := o.store.Sweep(o.now().Add(-retention))
	if n > 0 {
		o.log.Info("purged expired jobs", "count", n)
	}
	return n
}

// Shutdown stops admitting, waits up to grace for running jobs and then
// cancels whatever is still running.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.wg.Wait()
	}()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			o.cancelJob()
			return
		case <-timer.C:
			o.log.Warn("shutdown grace elapsed, cancelling running jobs", "active", o.Active())
		}
	}
	o.cancelJob()
	<-done
}

// admit starts queued jobs in arrival order while slots are free.
func (o *Orchestrator) admit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for len(o.active) < o.cfg.MaxConcurrentJobs {
		next, ok := o.store.OldestQueued(o.active)
		if !ok {
			return
		}
		started := o.now()
		job, ok := o.store.Update(next.ID, func(j *Job) {
			j.Status = StatusProcessing
			j.StartedAt = &started
			j.Message = string(StateAdmitted)
		})
		if !ok {
			continue
		}
		o.active[job.ID] = struct{}{}
		o.wg.Add(1)
		go o.execute(job)
	}
}

func (o *Orchestrator) execute(job Job) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, job.ID)
		o.mu.Unlock()
		o.admit()
	}()

	log := o.log.With("job_id", job.ID)
	log.Info("job admitted", "mode", job.OutputMode, "class", job.ContentClass)
	o.persist(job)
	start := time.Now()

	res, err := o.runSafely(job, o.reporter(job.ID))
	if err != nil {
		if o.jobCtx.Err() != nil {
			err = fmt.Errorf("shutdown: %w", err)
		}
		log.Error("job failed", "err", err, "duration", time.Since(start))
		o.finish(job.ID, nil, err)
		return
	}
	log.Info("job completed", "clips", len(res.Clips), "duration", time.Since(start))
	o.finish(job.ID, &res, nil)
}

// runSafely converts a panic in the pipeline into an error.
func (o *Orchestrator) runSafely(job Job, report Reporter) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	if o.proc == nil {
		return Result{}, errors.New("no processor configured")
	}
	return o.proc.Process(o.jobCtx, job, report)
}

// reporter clamps progress so it never decreases and stays below 100 until
// the job is terminal.
func (o *Orchestrator) reporter(id string) Reporter {
	return func(state State, progress int, message string) {
		if state.Final() {
			return
		}
		if message == "" {
			message = string(state)
		}
		j, ok := o.store.Update(id, func(j *Job) {
			if j.Status.Terminal() {
				return
			}
			p := min(progress, 99)
			if p > j.Progress {
				j.Progress = p
			}
			j.Message = message
		})
		if !ok || j.Status.Terminal() {
			return
		}
		o.events.Publish(Event{JobID: id, State: state, Message: message, Progress: j.Progress})
	}
}

func (o *Orchestrator) finish(id string, res *Result, cause error) {
	done := o.now()
	j, ok := o.store.Update(id, func(j *Job) {
		j.CompletedAt = &done
		if cause != nil {
			j.Status = StatusFailed
			j.Error = cause.Error()
			j.Message = cause.Error()
			return
		}
		j.Status = StatusCompleted
		j.Progress = 100
		j.Message = string(StateCompleted)
		j.Result = res
	})
	if !ok {
		return
	}
	o.persist(j)
	ev := Event{JobID: id, State: StateCompleted, Message: j.Message, Progress: j.Progress}
	if cause != nil {
		ev.State = StateError
	}
	o.events.Publish(ev)
}

// persist mirrors non-embedded jobs. Mirror failures never affect the job.
func (o *Orchestrator) persist(job Job) {
	if o.mirror == nil || job.Embedded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.mirror.Save(ctx, job); err != nil {
		o.log.Warn("mirror job", "job_id", job.ID, "err", err)
	}
}
