// Package types holds the value types shared by the analysis, parsing and
// rendering stages.
package types

import (
	"fmt"
	"strings"
)

// MediaType is the kind of source media.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// ParseMediaType normalizes and validates a media type name.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(s))) {
	case MediaVideo:
		return MediaVideo, nil
	case MediaAudio:
		return MediaAudio, nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

// ContentClass is resolved once at job creation and selects the analysis strategy.
type ContentClass string

const (
	// ClassSpeech marks speech-dominant content (talks, podcasts, interviews).
	ClassSpeech ContentClass = "speech"
	// ClassVisual marks content whose meaning is carried by the picture.
	ClassVisual ContentClass = "visual"
)

// ParseContentClass normalizes and validates a content class name.
func ParseContentClass(s string) (ContentClass, error) {
	switch ContentClass(strings.ToLower(strings.TrimSpace(s))) {
	case ClassSpeech:
		return ClassSpeech, nil
	case ClassVisual:
		return ClassVisual, nil
	}
	return "", fmt.Errorf("unknown content class %q", s)
}

// OutputMode decides whether segments are delivered separately or joined.
type OutputMode string

const (
	ModeIndividual OutputMode = "individual-clips"
	ModeCombined   OutputMode = "combined-video"
)

// ModeFor derives the output mode from the requested target duration.
func ModeFor(targetSeconds, combinedThreshold float64) OutputMode {
	if targetSeconds < combinedThreshold {
		return ModeIndividual
	}
	return ModeCombined
}

// Segment is a contiguous time window of the source judged worth keeping.
type Segment struct {
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Start          float64 `json:"startTime"`     // seconds from source start
	End            float64 `json:"endTime"`       // seconds from source start, > Start
	Significance   int     `json:"significance"`  // 1-10
	NarrativeRole  string  `json:"narrativeRole"` // e.g. hook, climax, highlight
	TransitionNote string  `json:"transitionNote,omitempty"`
}

// Duration returns End-Start.
func (s Segment) Duration() float64 { return s.End - s.Start }

// TotalDuration sums the durations of segs.
func TotalDuration(segs []Segment) float64 {
	var total float64
	for _, s := range segs {
		total += s.Duration()
	}
	return total
}

// ProcessedClip is a rendered and persisted segment.
type ProcessedClip struct {
	Segment
	MediaKey     string  `json:"mediaKey"`     // storage key of the rendered media
	PreviewURL   string  `json:"previewUrl"`   // time-limited read handle
	ThumbnailKey string  `json:"thumbnailKey"` // storage key of the thumbnail
	Duration     float64 `json:"duration"`     // realized duration, probed from the output
	Tier         int     `json:"tier"`         // renderer tier that produced the media
}
