// Package render cuts segments out of a source with ffmpeg, joins them and
// grabs thumbnails.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/reelcut/internal/ffmpeg"
	"github.com/jo-hoe/reelcut/internal/types"
)

// ErrAllTiersFailed is returned when no tier could render a segment.
var ErrAllTiersFailed = errors.New("all render tiers failed")

const (
	fallbackWidth  = 1280
	fallbackHeight = 720
)

// Options tunes the encoder.
type Options struct {
	Preset          string        // x264 preset, e.g. veryfast
	CRF             int           // x264 constant rate factor
	ThumbnailOffset time.Duration // offset into the clip for the thumbnail frame
}

// Artifact is a rendered file on local disk.
type Artifact struct {
	Path     string
	Duration float64 // probed from the output
	Tier     int     // 1 primary re-encode, 2 black-canvas fallback
}

// TierResult is the outcome of one rendering tier.
type TierResult struct {
	Artifact Artifact
	Err      error
}

// Tier renders seg from src into dst.
type Tier func(ctx context.Context, src string, seg types.Segment, dst string) TierResult

// Renderer renders clips through an ordered list of tiers.
type Renderer struct {
	tool  *ffmpeg.Tool
	opts  Options
	tiers []Tier
}

// New returns a Renderer using the re-encode tier with the black-canvas tier as fallback.
func New(tool *ffmpeg.Tool, opts Options) *Renderer {
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.CRF == 0 {
		opts.CRF = 23
	}
	if opts.ThumbnailOffset == 0 {
		opts.ThumbnailOffset = time.Second
	}
	r := &Renderer{tool: tool, opts: opts}
	r.tiers = []Tier{r.reencode, r.blackCanvas}
	return r
}

// ExtractClip renders seg from src into dst, trying each tier in order. The
// next tier runs only when the previous one failed.
func (r *Renderer) ExtractClip(ctx context.Context, src string, seg types.Segment, dst string) (Artifact, error) {
	var errs []error
	for i, tier := range r.tiers {
		res := tier(ctx, src, seg, dst)
		if res.Err == nil {
			return res.Artifact, nil
		}
		errs = append(errs, fmt.Errorf("tier %d: %w", i+1, res.Err))
		_ = os.Remove(dst)
		if ctx.Err() != nil {
			break
		}
	}
	return Artifact{}, fmt.Errorf("%w for %q (%s-%s): %w", ErrAllTiersFailed, seg.Title,
		ffmpeg.FmtSeconds(seg.Start), ffmpeg.FmtSeconds(seg.End), errors.Join(errs...))
}

// reencode cuts the exact window with a broadly compatible H.264/AAC encode,
// keeping the source dimensions. The video map is mandatory so sources
// without a usable video stream fail here and reach the canvas tier.
func (r *Renderer) reencode(ctx context.Context, src string, seg types.Segment, dst string) TierResult {
	err := r.tool.Run(ctx, "render clip",
		"-ss", ffmpeg.FmtSeconds(seg.Start),
		"-i", src,
		"-t", ffmpeg.FmtSeconds(seg.Duration()),
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", r.opts.Preset,
		"-crf", strconv.Itoa(r.opts.CRF),
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	)
	if err != nil {
		return TierResult{Err: err}
	}
	return r.finish(ctx, dst, 1)
}

// blackCanvas muxes the source audio of the window onto a black canvas with
// the source dimensions.
func (r *Renderer) blackCanvas(ctx context.Context, src string, seg types.Segment, dst string) TierResult {
	w, h := fallbackWidth, fallbackHeight
	if probe, err := r.tool.Probe(ctx, src); err == nil {
		if v, ok := probe.VideoStream(); ok {
			w, h = even(v.Width), even(v.Height)
		}
	}
	dur := ffmpeg.FmtSeconds(seg.Duration())
	err := r.tool.Run(ctx, "render black canvas",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:d=%s", w, h, dur),
		"-ss", ffmpeg.FmtSeconds(seg.Start),
		"-i", src,
		"-t", dur,
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-c:v", "libx264",
		"-preset", r.opts.Preset,
		"-tune", "stillimage",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-shortest",
		"-movflags", "+faststart",
		dst,
	)
	if err != nil {
		return TierResult{Err: err}
	}
	return r.finish(ctx, dst, 2)
}

func (r *Renderer) finish(ctx context.Context, dst string, tier int) TierResult {
	d, err := r.tool.Duration(ctx, dst)
	if err != nil {
		return TierResult{Err: fmt.Errorf("verify output: %w", err)}
	}
	return TierResult{Artifact: Artifact{Path: dst, Duration: d, Tier: tier}}
}

// Concatenate joins parts in order with a stream copy. The highest tier of
// the parts is reported on the result.
func (r *Renderer) Concatenate(ctx context.Context, parts []Artifact, dst string) (Artifact, error) {
	if len(parts) == 0 {
		return Artifact{}, errors.New("concatenate: no parts")
	}
	listPath := dst + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(parts)), 0o600); err != nil {
		return Artifact{}, fmt.Errorf("write concat list: %w", err)
	}
	defer func() { _ = os.Remove(listPath) }()

	if err := r.tool.Run(ctx, "concatenate",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	); err != nil {
		return Artifact{}, err
	}
	tier := 1
	for _, p := range parts {
		tier = max(tier, p.Tier)
	}
	res := r.finish(ctx, dst, tier)
	return res.Artifact, res.Err
}

func concatList(parts []Artifact) string {
	var b strings.Builder
	for _, p := range parts {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			abs = p.Path
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// Thumbnail writes one JPEG frame of a into dst.
func (r *Renderer) Thumbnail(ctx context.Context, a Artifact, dst string) error {
	offset := r.opts.ThumbnailOffset.Seconds()
	if a.Duration > 0 && offset > a.Duration/2 {
		offset = a.Duration / 2
	}
	return r.tool.Run(ctx, "thumbnail",
		"-ss", ffmpeg.FmtSeconds(offset),
		"-i", a.Path,
		"-frames:v", "1",
		"-q:v", "3",
		dst,
	)
}

func even(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}
