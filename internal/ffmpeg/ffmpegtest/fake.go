// Package ffmpegtest provides a scripted ffmpeg/ffprobe runner for tests.
package ffmpegtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Runner imitates ffmpeg and ffprobe. ffmpeg calls write a small file to the
// output path and remember its duration (from -t, or the sum of the parts for
// concat) and whether it carries video; ffprobe calls report those, or the
// source settings for unknown paths.
//
// Like ffmpeg, a mandatory video map ("N:v:0") or a frame grab fails when the
// input has no video stream.
type Runner struct {
	SourceDuration float64
	Width, Height  int // reported for video streams; 0 means audio only
	FailIf         func(args []string) bool

	mu        sync.Mutex
	calls     [][]string
	durations map[string]float64
	video     map[string]bool
}

// Calls returns a copy of every argument list seen, binary name first.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Run implements ffmpeg.Runner.
func (r *Runner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.durations == nil {
		r.durations = map[string]float64{}
		r.video = map[string]bool{}
	}
	if r.FailIf != nil && r.FailIf(args) {
		return []byte("simulated failure"), errors.New("exit status 1")
	}
	if strings.Contains(filepath.Base(name), "ffprobe") {
		return r.probe(args[len(args)-1]), nil
	}
	return nil, r.render(args)
}

func (r *Runner) probe(path string) []byte {
	d, ok := r.durations[path]
	if !ok {
		d = r.SourceDuration
	}
	var streams []string
	if r.hasVideo(path) {
		w, h := r.Width, r.Height
		if w <= 0 || h <= 0 {
			w, h = 1280, 720
		}
		streams = append(streams, fmt.Sprintf(`{"index":0,"codec_type":"video","width":%d,"height":%d}`, w, h))
	}
	streams = append(streams, `{"index":1,"codec_type":"audio"}`)
	return []byte(fmt.Sprintf(`{"streams":[%s],"format":{"filename":%q,"duration":"%f"}}`,
		strings.Join(streams, ","), path, d))
}

// hasVideo reports whether path carries a video stream. Paths the runner
// did not produce are sources.
func (r *Runner) hasVideo(path string) bool {
	if v, ok := r.video[path]; ok {
		return v
	}
	return r.Width > 0 && r.Height > 0
}

func (r *Runner) render(args []string) error {
	dst := args[len(args)-1]
	d := r.SourceDuration
	var inputs []bool
	var maps []string
	lavfi, concat, noVideo, grab := false, false, false, false
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-t":
			if v, err := strconv.ParseFloat(args[i+1], 64); err == nil {
				d = v
			}
		case "-f":
			lavfi = args[i+1] == "lavfi"
			concat = args[i+1] == "concat"
		case "-i":
			switch {
			case lavfi:
				inputs = append(inputs, true)
			case concat:
				d = r.concatDuration(args)
				inputs = append(inputs, r.concatVideo(args[i+1]))
			default:
				inputs = append(inputs, r.hasVideo(args[i+1]))
			}
			lavfi, concat = false, false
		case "-map":
			maps = append(maps, args[i+1])
		case "-vn":
			noVideo = true
		case "-frames:v":
			grab = true
		}
	}

	outVideo := false
	for _, m := range maps {
		idx, kind, optional := parseMap(m)
		if kind != "v" || idx < 0 || idx >= len(inputs) {
			continue
		}
		if !inputs[idx] {
			if optional {
				continue
			}
			return fmt.Errorf("stream map '%s' matches no streams", m)
		}
		outVideo = true
	}
	if len(maps) == 0 {
		for _, v := range inputs {
			outVideo = outVideo || v
		}
	}
	if grab && !outVideo {
		return errors.New("output file does not contain any stream")
	}
	if noVideo {
		outVideo = false
	}

	r.durations[dst] = d
	r.video[dst] = outVideo
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("media:"+filepath.Base(dst)), 0o600)
}

// parseMap splits "1:a:0?" into input index, stream kind and optionality.
func parseMap(spec string) (int, string, bool) {
	optional := strings.HasSuffix(spec, "?")
	parts := strings.Split(strings.TrimSuffix(spec, "?"), ":")
	if len(parts) < 2 {
		return -1, "", optional
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1, "", optional
	}
	return idx, parts[1], optional
}

func (r *Runner) concatVideo(listPath string) bool {
	b, err := os.ReadFile(listPath)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		p := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		if r.hasVideo(p) {
			return true
		}
	}
	return false
}

func (r *Runner) concatDuration(args []string) float64 {
	for i := 0; i < len(args)-1; i++ {
		if args[i] != "-i" {
			continue
		}
		b, err := os.ReadFile(args[i+1])
		if err != nil {
			return 0
		}
		var total float64
		for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
			p := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
			total += r.durations[p]
		}
		return total
	}
	return 0
}
