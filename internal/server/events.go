package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/jobs"
)

const sseKeepAlive = 15 * time.Second

// handleJobEvents streams a job's progress as Server-Sent Events: buffered
// events first, then live ones, ending after the terminal event.
func (svc *Service) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := svc.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	bus := svc.Jobs.Events()
	live, cancel := bus.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", common.ContentTypeSSE)
	w.Header().Set(common.HeaderCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var last int64
	for _, ev := range bus.Since(0) {
		if ev.JobID != id {
			continue
		}
		last = ev.Seq
		if err := writeEvent(w, ev); err != nil {
			return
		}
		if ev.State.Final() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	// The buffer may have rotated past a job that already finished.
	if job.Status.Terminal() {
		_ = writeEvent(w, terminalEvent(job))
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	svc.streamLive(r.Context(), w, flusher, id, live, last, ticker.C)
}

// streamLive forwards live events for id until its terminal event. Events
// can be dropped for slow subscribers, so every keep-alive tick also checks
// whether the job already finished.
func (svc *Service) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id string, live <-chan jobs.Event, last int64, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if job, err := svc.Jobs.Get(ctx, id); err == nil && job.Status.Terminal() {
				_ = writeEvent(w, terminalEvent(job))
				flusher.Flush()
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.JobID != id || ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.State.Final() {
				return
			}
		}
	}
}

func terminalEvent(j jobs.Job) jobs.Event {
	ev := jobs.Event{JobID: j.ID, State: jobs.StateCompleted, Message: j.Message, Progress: j.Progress}
	if j.Status == jobs.StatusFailed {
		ev.State = jobs.StateError
	}
	if j.CompletedAt != nil {
		ev.Timestamp = *j.CompletedAt
	}
	return ev
}

func writeEvent(w http.ResponseWriter, ev jobs.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.State, b)
	return err
}
