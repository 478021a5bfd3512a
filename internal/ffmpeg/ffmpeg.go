// Package ffmpeg wraps the ffmpeg and ffprobe executables.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() // #nosec G204 - binaries come from config
}

// Tool invokes ffmpeg and ffprobe through a Runner.
type Tool struct {
	ffmpeg  string
	ffprobe string
	runner  Runner
}

// New returns a Tool. Empty paths resolve from PATH; a nil runner uses os/exec.
func New(ffmpegPath, ffprobePath string, runner Runner) *Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tool{ffmpeg: ffmpegPath, ffprobe: ffprobePath, runner: runner}
}

// Run executes ffmpeg with args, overwriting outputs and keeping logs to errors.
// op names the operation in the returned error.
func (t *Tool) Run(ctx context.Context, op string, args ...string) error {
	full := append([]string{"-y", "-hide_banner", "-loglevel", "error"}, args...)
	b, err := t.runner.Run(ctx, t.ffmpeg, full...)
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w\n%s", op, err, tail(string(b), 2000))
	}
	return nil
}

// AudioOptions controls the speech-analysis audio extract.
type AudioOptions struct {
	SampleRate int    // e.g. 16000
	Bitrate    string // e.g. "32k"
}

// ExtractAudio writes a mono, low-bitrate MP3 of src's audio track to dst.
func (t *Tool) ExtractAudio(ctx context.Context, src, dst string, opts AudioOptions) error {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "32k"
	}
	return t.Run(ctx, "extract audio",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-c:a", "libmp3lame",
		"-b:a", opts.Bitrate,
		dst,
	)
}

// Probe inspects path with ffprobe and decodes the JSON report.
func (t *Tool) Probe(ctx context.Context, path string) (ProbeResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ProbeResult{}, errors.New("ffprobe: empty path")
	}
	b, err := t.runner.Run(ctx, t.ffprobe, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, tail(strings.TrimSpace(string(b)), 500))
	}
	return decodeProbe(b)
}

// Duration probes path and returns its duration in seconds.
func (t *Tool) Duration(ctx context.Context, path string) (float64, error) {
	res, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	d := res.DurationSeconds()
	if d <= 0 {
		return 0, fmt.Errorf("ffprobe %s: no duration reported", path)
	}
	return d, nil
}

// FmtSeconds formats seconds the way ffmpeg time options expect.
func FmtSeconds(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
