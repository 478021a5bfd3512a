package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/types"
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	SourceLocator         string  `json:"sourceLocator"`
	MediaType             string  `json:"mediaType"`
	ContentClass          string  `json:"contentClass"`
	TargetDurationSeconds float64 `json:"targetDurationSeconds"`
	UserInstructions      string  `json:"userInstructions,omitempty"`
	ProjectID             string  `json:"projectId,omitempty"`
	Embedded              bool    `json:"embedded,omitempty"`
}

// CreateJobResponse acknowledges an accepted job.
type CreateJobResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

// JobView is the status document of one job.
type JobView struct {
	ID                    string                `json:"id"`
	UserID                string                `json:"userId"`
	ProjectID             string                `json:"projectId"`
	Status                jobs.Status           `json:"status"`
	Progress              int                   `json:"progress"`
	Message               string                `json:"message,omitempty"`
	Error                 string                `json:"error,omitempty"`
	OutputMode            types.OutputMode      `json:"outputMode"`
	ContentClass          types.ContentClass    `json:"contentClass"`
	TargetDurationSeconds float64               `json:"targetDurationSeconds"`
	Credits               int                   `json:"credits"`
	CreatedAt             time.Time             `json:"createdAt"`
	StartedAt             *time.Time            `json:"startedAt,omitempty"`
	CompletedAt           *time.Time            `json:"completedAt,omitempty"`
	Clips                 []types.ProcessedClip `json:"clips,omitempty"`
	Description           string                `json:"description,omitempty"`
	Transcript            string                `json:"transcript,omitempty"`
}

// JobSummary is one row of a user's job list.
type JobSummary struct {
	ID          string           `json:"id"`
	Status      jobs.Status      `json:"status"`
	Progress    int              `json:"progress"`
	OutputMode  types.OutputMode `json:"outputMode"`
	Clips       int              `json:"clips"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	job, err := svc.Jobs.Submit(r.Context(), jobs.Input{
		SourceKey:     req.SourceLocator,
		MediaType:     types.MediaType(req.MediaType),
		ContentClass:  types.ContentClass(req.ContentClass),
		TargetSeconds: req.TargetDurationSeconds,
		Instructions:  req.UserInstructions,
		UserID:        r.Header.Get(common.HeaderUserID),
		ProjectID:     req.ProjectID,
		Embedded:      req.Embedded,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			svc.Log.Error("submit job", "err", err)
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		JobID:     job.ID,
		StatusURL: path.Join(common.PathJobs, job.ID),
	})
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := svc.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, svc.view(r.Context(), job))
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := svc.Jobs.ListForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]JobSummary, 0, len(list))
	for _, j := range list {
		s := JobSummary{
			ID:          j.ID,
			Status:      j.Status,
			Progress:    j.Progress,
			OutputMode:  j.OutputMode,
			CreatedAt:   j.CreatedAt,
			CompletedAt: j.CompletedAt,
		}
		if j.Result != nil {
			s.Clips = len(j.Result.Clips)
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// view renders a job, re-issuing preview handles so mirrored results stay
// playable after their original handles expired.
func (svc *Service) view(ctx context.Context, j jobs.Job) JobView {
	v := JobView{
		ID:                    j.ID,
		UserID:                j.UserID,
		ProjectID:             j.ProjectID,
		Status:                j.Status,
		Progress:              j.Progress,
		Message:               j.Message,
		Error:                 j.Error,
		OutputMode:            j.OutputMode,
		ContentClass:          j.ContentClass,
		TargetDurationSeconds: j.TargetSeconds,
		Credits:               j.Credits,
		CreatedAt:             j.CreatedAt,
		StartedAt:             j.StartedAt,
		CompletedAt:           j.CompletedAt,
	}
	if j.Result == nil {
		return v
	}
	v.Description = j.Result.Description
	v.Transcript = j.Result.Transcript
	v.Clips = make([]types.ProcessedClip, len(j.Result.Clips))
	copy(v.Clips, j.Result.Clips)
	for i := range v.Clips {
		h, err := svc.Blobs.ReadHandle(ctx, v.Clips[i].MediaKey, svc.Cfg.Storage.ReadHandleTTL)
		if err != nil {
			svc.Log.Warn("refresh preview handle", "job_id", j.ID, "key", v.Clips[i].MediaKey, "err", err)
			continue
		}
		v.Clips[i].PreviewURL = h.URL
	}
	return v
}
