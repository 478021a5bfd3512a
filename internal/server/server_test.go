package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/credits"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/logging"
	"github.com/jo-hoe/reelcut/internal/storage"
	"github.com/jo-hoe/reelcut/internal/types"
)

type fixedProber struct{ seconds float64 }

func (p fixedProber) Duration(context.Context, string) (float64, error) { return p.seconds, nil }

// clipProcessor stores one clip per job and completes immediately.
type clipProcessor struct{ store storage.Store }

func (p clipProcessor) Process(ctx context.Context, job jobs.Job, report jobs.Reporter) (jobs.Result, error) {
	report(jobs.StateProcessing, 60, "rendering")
	key := storage.ClipKey(job.ProjectID, job.ID, 0)
	if err := p.store.Put(ctx, key, strings.NewReader("clip-bytes")); err != nil {
		return jobs.Result{}, err
	}
	return jobs.Result{
		Clips:       []types.ProcessedClip{{Segment: types.Segment{Title: "Hook", Start: 0, End: 30}, MediaKey: key, Duration: 30, Tier: 1}},
		Description: "Highlights: Hook.",
		Transcript:  "hi",
	}, nil
}

type testEnv struct {
	svc    *Service
	srv    *httptest.Server
	ledger *credits.SQLiteLedger
}

func newEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.APIKey = apiKey
	cfg.Server.StorageDir = dir

	signer := storage.NewSigner("secret")
	srv := httptest.NewUnstartedServer(nil)
	store, err := storage.NewLocalStore(filepath.Join(dir, "blobs"), signer, "http://"+srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if err := store.Put(context.Background(), "uploads/talk.mp4", strings.NewReader("source")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ledger, err := credits.NewSQLiteLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	auth := credits.NewAuthorizer(credits.NewEstimator(fixedProber{seconds: 600}, credits.Rates{Speech: 1, Visual: 3}), ledger, 0)
	orch := jobs.NewOrchestrator(logging.Discard(), cfg.Orchestrator, jobs.Deps{
		Processor: clipProcessor{store: store},
		Auth:      auth,
		Sources:   store,
	})
	t.Cleanup(func() { orch.Shutdown(time.Second) })

	svc := &Service{Log: logging.Discard(), Cfg: cfg, Jobs: orch, Ledger: ledger, Blobs: store, Signer: signer}
	srv.Config.Handler = svc.Router()
	srv.Start()
	t.Cleanup(srv.Close)
	return &testEnv{svc: svc, srv: srv, ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(common.HeaderUserID, user)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func validRequest() CreateJobRequest {
	return CreateJobRequest{
		SourceLocator:         "uploads/talk.mp4",
		MediaType:             "video",
		ContentClass:          "speech",
		TargetDurationSeconds: 90,
	}
}

func (e *testEnv) waitCompleted(t *testing.T, id string) JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := e.do(t, http.MethodGet, common.PathJobs+"/"+id, "", nil)
		v := decode[JobView](t, resp)
		if v.Status.Terminal() {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobView{}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, "")
	resp := e.do(t, http.MethodGet, common.PathHealthz, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestCreateJob_CompletesWithPlayablePreview(t *testing.T) {
	e := newEnv(t, "")
	if _, err := e.ledger.Grant(context.Background(), "u1", 5, "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	resp := e.do(t, http.MethodPost, common.PathJobs, "u1", validRequest())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	created := decode[CreateJobResponse](t, resp)
	if created.JobID == "" || created.StatusURL != common.PathJobs+"/"+created.JobID {
		t.Fatalf("response = %+v", created)
	}

	v := e.waitCompleted(t, created.JobID)
	if v.Status != jobs.StatusCompleted || v.Progress != 100 || v.OutputMode != types.ModeIndividual || v.Credits != 1 {
		t.Fatalf("job = %+v", v)
	}
	if len(v.Clips) != 1 || v.Clips[0].PreviewURL == "" {
		t.Fatalf("clips = %+v", v.Clips)
	}

	blob, err := e.srv.Client().Get(v.Clips[0].PreviewURL)
	if err != nil {
		t.Fatalf("GET preview: %v", err)
	}
	defer func() { _ = blob.Body.Close() }()
	body, _ := io.ReadAll(blob.Body)
	if blob.StatusCode != http.StatusOK || string(body) != "clip-bytes" || blob.Header.Get("Content-Type") != common.ContentTypeMP4 {
		t.Fatalf("preview = %d %q %q", blob.StatusCode, body, blob.Header.Get("Content-Type"))
	}

	balance, _ := e.ledger.Balance(context.Background(), "u1")
	if balance != 4 {
		t.Fatalf("balance = %d, want 4", balance)
	}
}

func TestCreateJob_Rejections(t *testing.T) {
	e := newEnv(t, "")
	if _, err := e.ledger.Grant(context.Background(), "rich", 100, "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	tooShort := validRequest()
	tooShort.TargetDurationSeconds = 5
	missing := validRequest()
	missing.SourceLocator = "uploads/nope.mp4"

	cases := []struct {
		name string
		user string
		body any
		want int
	}{
		{"no user", "", validRequest(), http.StatusBadRequest},
		{"target out of range", "rich", tooShort, http.StatusBadRequest},
		{"unknown field", "rich", map[string]any{"sourceLocator": "uploads/talk.mp4", "bogus": 1}, http.StatusBadRequest},
		{"insufficient credits", "broke", validRequest(), http.StatusPaymentRequired},
		{"missing source", "rich", missing, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, common.PathJobs, tc.user, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
			if msg := decode[errorResponse](t, resp); msg.Error == "" {
				t.Fatalf("error body missing")
			}
		})
	}

	list := e.do(t, http.MethodGet, common.PathUsers+"/broke/jobs", "", nil)
	if got := decode[[]JobSummary](t, list); len(got) != 0 {
		t.Fatalf("rejected submission created jobs: %+v", got)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	e := newEnv(t, "k1")
	resp := e.do(t, http.MethodGet, common.PathUsers+"/u1/jobs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+common.PathUsers+"/u1/jobs", nil)
	req.Header.Set(common.HeaderAPIKey, "k1")
	ok, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = ok.Body.Close() }()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("status %d with key", ok.StatusCode)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	e := newEnv(t, "")
	resp := e.do(t, http.MethodGet, common.PathJobs+"/does-not-exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestJobEvents_StreamEndsWithTerminalEvent(t *testing.T) {
	e := newEnv(t, "")
	if _, err := e.ledger.Grant(context.Background(), "u1", 5, "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	created := decode[CreateJobResponse](t, e.do(t, http.MethodPost, common.PathJobs, "u1", validRequest()))
	e.waitCompleted(t, created.JobID)

	resp := e.do(t, http.MethodGet, common.PathJobs+"/"+created.JobID+"/events", "", nil)
	if ct := resp.Header.Get("Content-Type"); ct != common.ContentTypeSSE {
		t.Fatalf("content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(body)
	for _, want := range []string{"event: queued", "event: processing", "event: completed", `"progress":100`} {
		if !strings.Contains(text, want) {
			t.Fatalf("stream missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "event: queued") > strings.Index(text, "event: completed") {
		t.Fatalf("events out of order:\n%s", text)
	}
}

func TestBlob_RejectsBadSignature(t *testing.T) {
	e := newEnv(t, "")
	exp := time.Now().Add(time.Hour).Unix()
	resp := e.do(t, http.MethodGet, common.PathBlobs+"/uploads/talk.mp4?expires="+strconv.FormatInt(exp, 10)+"&sig=deadbeef", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}

	h, err := e.svc.Blobs.ReadHandle(context.Background(), "uploads/talk.mp4", -time.Minute)
	if err != nil {
		t.Fatalf("ReadHandle: %v", err)
	}
	expired, err := e.srv.Client().Get(h.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = expired.Body.Close() }()
	if expired.StatusCode != http.StatusForbidden {
		t.Fatalf("expired handle status %d, want 403", expired.StatusCode)
	}
}

func TestCredits_GrantAndBalance(t *testing.T) {
	e := newEnv(t, "")
	resp := e.do(t, http.MethodPost, common.PathUsers+"/u9/credits", "", map[string]any{"amount": 7, "reason": "promo"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant status %d", resp.StatusCode)
	}
	if got := decode[CreditsView](t, resp); got.Balance != 7 {
		t.Fatalf("balance after grant = %d", got.Balance)
	}

	bad := e.do(t, http.MethodPost, common.PathUsers+"/u9/credits", "", map[string]any{"amount": -1})
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative grant status %d", bad.StatusCode)
	}

	view := decode[CreditsView](t, e.do(t, http.MethodGet, common.PathUsers+"/u9/credits", "", nil))
	if view.Balance != 7 || len(view.History) != 1 || view.History[0].Reason != "promo" {
		t.Fatalf("credits view = %+v", view)
	}
}

func TestJobEvents_TickEndsStreamWhenTerminalEventWasDropped(t *testing.T) {
	e := newEnv(t, "")
	if _, err := e.ledger.Grant(context.Background(), "u1", 5, "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	created := decode[CreateJobResponse](t, e.do(t, http.MethodPost, common.PathJobs, "u1", validRequest()))
	e.waitCompleted(t, created.JobID)

	// No live event ever arrives; only the tick can end the stream.
	live := make(chan jobs.Event)
	tick := make(chan time.Time)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.svc.streamLive(context.Background(), rec, rec, created.JobID, live, 0, tick)
	}()
	tick <- time.Now()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not end after the job was terminal")
	}
	if body := rec.Body.String(); !strings.Contains(body, "event: completed") || strings.Contains(body, "keep-alive") {
		t.Fatalf("stream body = %q", body)
	}
}

func TestJobEvents_TickKeepsAliveWhileRunning(t *testing.T) {
	e := newEnv(t, "")
	live := make(chan jobs.Event)
	tick := make(chan time.Time)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.svc.streamLive(context.Background(), rec, rec, "not-finished", live, 0, tick)
	}()
	tick <- time.Now()
	close(live)
	<-done
	if body := rec.Body.String(); body != ": keep-alive\n\n" {
		t.Fatalf("stream body = %q", body)
	}
}
