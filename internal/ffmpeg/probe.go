package ffmpeg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProbeResult is the subset of the ffprobe JSON report used for rendering and pricing.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one media stream.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

// Format holds container-level metadata.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

func decodeProbe(b []byte) (ProbeResult, error) {
	var res ProbeResult
	if err := json.Unmarshal(b, &res); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return res, nil
}

// VideoStream returns the first video stream with usable dimensions.
func (r ProbeResult) VideoStream() (Stream, bool) {
	for _, s := range r.Streams {
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			return s, true
		}
	}
	return Stream{}, false
}

// HasAudio reports whether any audio stream is present.
func (r ProbeResult) HasAudio() bool {
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// DurationSeconds returns the container duration, falling back to the longest stream.
func (r ProbeResult) DurationSeconds() float64 {
	if d := parseDuration(r.Format.Duration); d > 0 {
		return d
	}
	var best float64
	for _, s := range r.Streams {
		if d := parseDuration(s.Duration); d > best {
			best = d
		}
	}
	return best
}

func parseDuration(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
