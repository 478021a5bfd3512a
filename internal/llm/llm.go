// Package llm defines the content understanding capability used by the pipeline.
package llm

import (
	"context"
	"errors"

	"github.com/jo-hoe/reelcut/internal/types"
)

// ErrProcessingTimeout is returned when uploaded media never became ready.
var ErrProcessingTimeout = errors.New("media processing timed out")

// Media is a local or remote media object to hand to the model.
type Media struct {
	Location    string // local path or URL
	MimeType    string
	DisplayName string
}

// File is media that the model service has accepted and finished processing.
type File struct {
	Name     string // service-side resource name, e.g. files/abc123
	URI      string
	MimeType string
}

// ExtractRequest carries everything the segment extraction prompt needs.
type ExtractRequest struct {
	Profile       types.FormatProfile
	Class         types.ContentClass
	TargetSeconds float64
	SourceSeconds float64 // probed source duration, 0 when unknown
	Instructions  string  // optional user guidance
}

// Client is a generative model able to watch or listen to media.
type Client interface {
	// Upload sends media and waits until the service reports it ready.
	Upload(ctx context.Context, m Media) (File, error)
	// Transcribe is best-effort: on failure it returns common.TranscriptUnavailable.
	Transcribe(ctx context.Context, f File) string
	// ExtractSegments returns the model's raw answer listing highlight segments.
	ExtractSegments(ctx context.Context, f File, req ExtractRequest) (string, error)
	// Describe writes a short description of the selected segments.
	Describe(ctx context.Context, f File, segs []types.Segment) (string, error)
	// Release deletes the uploaded file on the service side.
	Release(ctx context.Context, f File) error
}
