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

	"github.com/basket/go-steward/internal/config"
)

// setTestConfig writes a minimal config.yaml to a temp dir and sets STEWARD_HOME.
func setTestConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("STEWARD_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true, "actor_count": 3})
	}))
	defer ts.Close()
	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	// Not a terminal, so the raw JSON comes through.
	if !strings.Contains(out.String(), `"actor_count":3`) {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	if code := runStatusCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, `bind_addr: "127.0.0.1:1"`)
	if code := runStatusCommand(context.Background(), nil, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "http://127.0.0.1:18790/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{"[::1]:9000", "http://[::1]:9000/healthz"},
		{"https://steward.example.com/", "https://steward.example.com/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.in); got != tt.want {
			t.Errorf("healthURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderHealthFlagsStaleConfig(t *testing.T) {
	out := renderHealth(health{Healthy: true, DBOK: true, ConfigFingerprint: "aaa"}, "bbb")
	if !strings.Contains(out, "differs from config.yaml") {
		t.Fatalf("stale fingerprint not flagged:\n%s", out)
	}
	out = renderHealth(health{Healthy: false, ConfigFingerprint: "aaa"}, "aaa")
	if !strings.Contains(out, "unhealthy") || strings.Contains(out, "differs") {
		t.Fatalf("render = %s", out)
	}
}

func TestReplayCheck(t *testing.T) {
	setTestConfig(t, `replay_window_seconds: 300`)
	now := time.Unix(1_800_000_000, 0)
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"inside", []string{"1799999800"}, 0},
		{"future inside", []string{"1800000299"}, 0},
		{"stale", []string{"1799999000"}, 1},
		{"not a number", []string{"yesterday"}, 2},
		{"missing", nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runReplayCheckCommand(tt.args, now, &bytes.Buffer{}); got != tt.want {
				t.Fatalf("exit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProjectAdd(t *testing.T) {
	home := setTestConfig(t, "bind_addr: \"127.0.0.1:18790\"\n")
	var out bytes.Buffer
	if code := runProjectAddCommand([]string{"CGARDEN", "garden"}, &out); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Projects["CGARDEN"] != "garden" || cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("config after add: projects=%v bind=%s", cfg.Projects, cfg.BindAddr)
	}

	if code := runProjectAddCommand([]string{"CBAD", "has space"}, &out); code != 1 {
		t.Fatalf("invalid slug accepted: exit = %d", code)
	}
}

func TestResearchLimitsFromConfig(t *testing.T) {
	cfg := config.Config{}
	cfg.Research.MaxGapRounds = 1
	cfg.Search.Parallelism = 2
	l := researchLimits(cfg)
	if l.MaxGapRounds != 1 || l.Parallelism != 2 || l.MaxPlanQueries != 3 || l.QualityThreshold != 0.7 {
		t.Fatalf("limits = %+v", l)
	}
}

func TestDoctorCommand(t *testing.T) {
	setTestConfig(t, "signing_secret: \"s3cret\"\ncontent_store:\n  backend: memory\n")
	t.Setenv("STEWARD_SIGNING_SECRET", "")

	if code := runDoctorCommand(context.Background(), []string{"--verbose"}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("unknown flag: exit = %d, want 2", code)
	}

	var out bytes.Buffer
	runDoctorCommand(context.Background(), []string{"-json"}, &out)
	var diag struct {
		Results []struct{ Name, Status string } `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("doctor -json output not JSON: %v\n%s", err, out.String())
	}
	for _, r := range diag.Results {
		if r.Name == "Database" && r.Status != "PASS" {
			t.Fatalf("database check = %s", r.Status)
		}
		if r.Name == "Credentials" && r.Status == "FAIL" {
			t.Fatal("signing secret from config.yaml not picked up")
		}
	}
}

func TestWatchCommand_NeedsTerminal(t *testing.T) {
	if code := runWatchCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("extra args: exit = %d, want 2", code)
	}
	// go test's stdout is not a terminal.
	if code := runWatchCommand(context.Background(), nil); code != 1 {
		t.Fatalf("non-tty: exit = %d, want 1", code)
	}
}
