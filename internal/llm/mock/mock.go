// Package mock provides an offline llm.Client that answers deterministically.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/types"
)

var _ llm.Client = (*Client)(nil)

// Client spaces evenly sized segments across the source.
type Client struct {
	delay          time.Duration
	segmentSeconds float64
}

// New creates a mock client.
func New(cfg config.MockSettings) *Client {
	seg := cfg.SegmentSeconds
	if seg <= 0 {
		seg = 20
	}
	return &Client{delay: cfg.Delay, segmentSeconds: seg}
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
		return nil
	}
}

// Upload pretends the media is immediately ready.
func (c *Client) Upload(ctx context.Context, m llm.Media) (llm.File, error) {
	if err := c.wait(ctx); err != nil {
		return llm.File{}, err
	}
	return llm.File{Name: "files/mock", URI: "mock://" + m.Location, MimeType: m.MimeType}, nil
}

// Transcribe returns a fixed transcript.
func (c *Client) Transcribe(ctx context.Context, f llm.File) string {
	return fmt.Sprintf("[00:00] Mock transcript of %s.", f.URI)
}

// ExtractSegments returns a fenced JSON array whose durations sum to the target.
func (c *Client) ExtractSegments(ctx context.Context, f llm.File, req llm.ExtractRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	source := req.SourceSeconds
	if source <= 0 {
		source = math.Max(req.TargetSeconds*3, 600)
	}
	segLen := math.Min(math.Max(c.segmentSeconds, req.Profile.MinSegment), req.Profile.MaxSegment)
	n := int(math.Ceil(req.TargetSeconds / segLen))
	n = max(min(n, max(req.Profile.MaxSegments, 1)), 1)
	segLen = req.TargetSeconds / float64(n)
	stride := source / float64(n)
	if segLen > stride {
		segLen = stride
	}

	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * stride
		out = append(out, map[string]any{
			"title":          fmt.Sprintf("Moment %d", i+1),
			"description":    fmt.Sprintf("Highlight %d of %d", i+1, n),
			"start_time":     round3(start),
			"end_time":       round3(start + segLen),
			"significance":   10 - i%10,
			"narrative_role": role(i, n),
		})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return "```json\n" + string(b) + "\n```", nil
}

// Describe lists the segment titles.
func (c *Client) Describe(ctx context.Context, f llm.File, segs []types.Segment) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	titles := make([]string, 0, len(segs))
	for _, s := range segs {
		titles = append(titles, s.Title)
	}
	return "Highlights: " + strings.Join(titles, ", ") + ".", nil
}

// Release is a no-op.
func (c *Client) Release(context.Context, llm.File) error { return nil }

func role(i, n int) string {
	switch {
	case i == 0:
		return "hook"
	case i == n-1:
		return "payoff"
	}
	return "highlight"
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
