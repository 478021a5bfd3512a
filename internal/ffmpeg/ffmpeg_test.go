package ffmpeg

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	out   []byte
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	return f.out, f.err
}

const probeJSON = `{
 "streams":[
  {"index":0,"codec_type":"video","codec_name":"h264","width":1920,"height":1080},
  {"index":1,"codec_type":"audio","codec_name":"aac","duration":"600.2"}
 ],
 "format":{"filename":"in.mp4","duration":"600.500000","format_name":"mov,mp4"}
}`

func TestProbe_DecodesStreams(t *testing.T) {
	r := &fakeRunner{out: []byte(probeJSON)}
	tool := New("", "/opt/ffprobe", r)

	res, err := tool.Probe(context.Background(), "in.mp4")
	if err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	v, ok := res.VideoStream()
	if !ok || v.Width != 1920 || v.Height != 1080 {
		t.Fatalf("video stream = %+v, %v", v, ok)
	}
	if !res.HasAudio() {
		t.Fatalf("expected audio stream")
	}
	if res.DurationSeconds() != 600.5 {
		t.Fatalf("duration = %v", res.DurationSeconds())
	}
	if r.calls[0].name != "/opt/ffprobe" || r.calls[0].args[len(r.calls[0].args)-1] != "in.mp4" {
		t.Fatalf("unexpected invocation: %+v", r.calls[0])
	}
}

func TestDuration_FallsBackToStreams(t *testing.T) {
	r := &fakeRunner{out: []byte(`{"streams":[{"codec_type":"audio","duration":"42.5"}],"format":{"duration":"N/A"}}`)}
	d, err := New("", "", r).Duration(context.Background(), "a.mp3")
	if err != nil || d != 42.5 {
		t.Fatalf("Duration = %v, %v", d, err)
	}

	r.out = []byte(`{"streams":[],"format":{}}`)
	if _, err := New("", "", r).Duration(context.Background(), "a.mp3"); err == nil {
		t.Fatalf("expected error without duration")
	}
}

func TestProbe_Errors(t *testing.T) {
	tool := New("", "", &fakeRunner{err: errors.New("exit status 1"), out: []byte("No such file")})
	if _, err := tool.Probe(context.Background(), "missing.mp4"); err == nil || !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("expected wrapped tool output, got %v", err)
	}
	if _, err := tool.Probe(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	bad := New("", "", &fakeRunner{out: []byte("not json")})
	if _, err := bad.Probe(context.Background(), "x"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExtractAudio_MonoLowBitrate(t *testing.T) {
	r := &fakeRunner{}
	if err := New("ff", "", r).ExtractAudio(context.Background(), "in.mp4", "out.mp3", AudioOptions{}); err != nil {
		t.Fatalf("ExtractAudio error: %v", err)
	}
	got := strings.Join(r.calls[0].args, " ")
	for _, want := range []string{"-vn", "-ac 1", "-ar 16000", "-b:a 32k", "-i in.mp4"} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
	if !strings.HasSuffix(got, "out.mp3") || r.calls[0].name != "ff" {
		t.Fatalf("unexpected invocation: %s %s", r.calls[0].name, got)
	}
}

func TestRun_WrapsOutput(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit status 1"), out: []byte("Invalid data found")}
	err := New("", "", r).Run(context.Background(), "render clip", "-i", "x")
	if err == nil || !strings.Contains(err.Error(), "ffmpeg render clip") || !strings.Contains(err.Error(), "Invalid data") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFmtSeconds(t *testing.T) {
	if got := FmtSeconds(12.5); got != "12.500" {
		t.Fatalf("FmtSeconds = %q", got)
	}
	if got := FmtSeconds(-1); got != "0.000" {
		t.Fatalf("FmtSeconds negative = %q", got)
	}
}
