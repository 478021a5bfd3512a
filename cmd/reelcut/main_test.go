package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/config"
	"github.com/jo-hoe/reelcut/internal/jobs"
	"github.com/jo-hoe/reelcut/internal/logging"
	"github.com/jo-hoe/reelcut/internal/server"
	"github.com/jo-hoe/reelcut/internal/types"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "server:\n  storageDir: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestJobsCommand_ListsAsJSONWhenPiped(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != common.PathUsers+"/alice/jobs" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(common.HeaderAPIKey) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_ = json.NewEncoder(w).Encode([]server.JobSummary{{
			ID: "j1", Status: jobs.StatusCompleted, Progress: 100,
			OutputMode: types.ModeIndividual, Clips: 3, CreatedAt: created,
		}})
	}))
	defer srv.Close()

	out, err := runCLI(t, "jobs", "--addr", srv.URL, "--api-key", "secret", "--user", "alice")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	var list []server.JobSummary
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(list) != 1 || list[0].ID != "j1" || list[0].Clips != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}

	_, err = runCLI(t, "jobs", "--addr", srv.URL, "--api-key", "wrong", "--user", "alice")
	if err == nil || !strings.Contains(err.Error(), "401: unauthorized") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "status", "nope", "--addr", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCreditsCommands_GrantThenBalance(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "credits", "grant", "--user", "bob", "--amount", "7", "--reason", "promo")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !strings.Contains(out, "balance 7") {
		t.Fatalf("grant output = %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "credits", "balance", "--user", "bob", "--json")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	var view server.CreditsView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if view.Balance != 7 || len(view.History) != 1 || view.History[0].Reason != "promo" {
		t.Fatalf("unexpected view: %+v", view)
	}

	if _, err := runCLI(t, "--config", cfgPath, "credits", "grant", "--user", "bob", "--amount", "0"); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestServe_RefusesSecondInstance(t *testing.T) {
	cfg := config.Default()
	cfg.Server.StorageDir = t.TempDir()
	cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "reelcut.db")

	held := flock.New(filepath.Join(cfg.Server.StorageDir, common.LockFileName))
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("pre-lock: ok=%v err=%v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	err = serve(context.Background(), cfg, logging.Discard())
	if err == nil || !strings.Contains(err.Error(), "another reelcut instance") {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestRenderJobView(t *testing.T) {
	v := server.JobView{
		ID: "j1", Status: jobs.StatusCompleted, Progress: 100,
		OutputMode: types.ModeIndividual, TargetDurationSeconds: 90, Credits: 1,
		Description: "Highlights: Opening.",
		Clips: []types.ProcessedClip{{
			Segment:    types.Segment{Title: "Opening", Start: 5, End: 35.5, Significance: 8},
			Duration:   30.5,
			PreviewURL: "http://x/v1/blobs/a.mp4",
		}},
	}
	out := renderJobView(v)
	for _, want := range []string{"j1", "completed (100%)", "1:30.0", "Opening", "0:05.0-0:35.5", "http://x/v1/blobs/a.mp4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := map[float64]string{0: "0:00.0", 5.5: "0:05.5", 61: "1:01.0", 600: "10:00.0", -3: "0:00.0"}
	for in, want := range cases {
		if got := formatSeconds(in); got != want {
			t.Fatalf("formatSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
