package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/reelcut/internal/types"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrValidation marks malformed submissions.
	ErrValidation = errors.New("invalid job request")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Input is the caller supplied part of a job.
type Input struct {
	SourceKey     string // storage key of the source media
	MediaType     types.MediaType
	ContentClass  types.ContentClass
	TargetSeconds float64 // requested total output duration
	Instructions  string  // optional free text guidance for the model
	UserID        string
	ProjectID     string // storage namespace for outputs, defaults to the job id
	Embedded      bool   // inline editing-session job, not mirrored durably
}

// Result is set only on completed jobs.
type Result struct {
	Clips       []types.ProcessedClip `json:"clips"`
	Description string                `json:"description"`
	Transcript  string                `json:"transcript"`
}

// Job is a single highlight extraction request and its progress.
type Job struct {
	ID string
	Input
	OutputMode    types.OutputMode
	Credits       int     // debited at submission
	SourceSeconds float64 // probed at submission

	Status      Status
	Progress    int    // 0..100, never decreases
	Message     string // last human readable state
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *Result

	seq int64 // arrival order
}
