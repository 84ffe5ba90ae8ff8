package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-steward/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromStewardHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "steward")
	writeConfig(t, home, `
bind_addr: 127.0.0.1:9999
channels:
  inbox: CINBOX
  rituals: CRITUAL
  research: CRESEARCH
projects:
  CGARDEN: garden
content_store:
  owner: me
  repo: life
`)
	t.Setenv("STEWARD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir = %q", cfg.HomeDir)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Channels.Rituals != "CRITUAL" || cfg.Projects["CGARDEN"] != "garden" {
		t.Fatalf("unexpected routing config: %+v %+v", cfg.Channels, cfg.Projects)
	}
	if cfg.ContentStore.Branch != "main" || cfg.ContentStore.Owner != "me" {
		t.Fatalf("unexpected content store config: %+v", cfg.ContentStore)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "fresh"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "{}\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ReplayWindowSeconds != 300 {
		t.Fatalf("replay window = %d, want 300", cfg.ReplayWindowSeconds)
	}
	if cfg.Research.QualityThreshold != 0.7 || cfg.Research.MaxGapRounds != 2 {
		t.Fatalf("unexpected research defaults: %+v", cfg.Research)
	}
	if cfg.Research.FirstGapQueries != 3 || cfg.Research.LaterGapQueries != 2 {
		t.Fatalf("unexpected gap query caps: %+v", cfg.Research)
	}
	if cfg.Dedup.WindowSize != 500 {
		t.Fatalf("dedup window = %d", cfg.Dedup.WindowSize)
	}
	if cfg.ContentStore.Layout.PlanIndexPath != "plans/index.md" {
		t.Fatalf("layout default missing: %+v", cfg.ContentStore.Layout)
	}
	if len(cfg.Ritual.CommitPhrases) == 0 || len(cfg.Ritual.SkipPhrases) == 0 {
		t.Fatal("expected default ritual phrases")
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("llm provider = %q", cfg.LLM.Provider)
	}
}

func TestLoad_ResearchBoundsClamped(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
research:
  max_gap_rounds: 9
  first_gap_queries: 10
  later_gap_queries: 10
  quality_threshold: 3
  max_plan_queries: 12
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := cfg.Research
	if r.MaxGapRounds != 2 || r.FirstGapQueries != 3 || r.LaterGapQueries != 2 || r.QualityThreshold != 0.7 || r.MaxPlanQueries != 3 {
		t.Fatalf("research bounds not clamped: %+v", r)
	}
}

func TestLoad_LayoutTrimsSlashes(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "content_store:\n  layout:\n    stream: /journal/stream/\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContentStore.Layout.StreamDir != "journal/stream" {
		t.Fatalf("stream dir = %q", cfg.ContentStore.Layout.StreamDir)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "signing_secret: from-yaml\nbind_addr: 127.0.0.1:1\n")
	t.Setenv("STEWARD_SIGNING_SECRET", "from-env")
	t.Setenv("STEWARD_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("GITHUB_TOKEN", "gh-env")
	t.Setenv("TELEGRAM_CHAT_ID", "4242")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.BindAddr != "127.0.0.1:2" {
		t.Fatalf("env override not applied: %q %q", cfg.SigningSecret, cfg.BindAddr)
	}
	if cfg.Slack.Token != "xoxb-env" || cfg.ContentStore.Token != "gh-env" {
		t.Fatalf("token overrides not applied")
	}
	if cfg.Telegram.ChatID != 4242 {
		t.Fatalf("telegram chat id = %d", cfg.Telegram.ChatID)
	}
}

func TestLoad_RejectsInvalidRouting(t *testing.T) {
	cases := map[string]string{
		"shared channel": "channels:\n  inbox: C1\n  research: C1\n",
		"bad slug":       "projects:\n  C9: \"a/b\"\n",
		"collision":      "channels:\n  inbox: C1\nprojects:\n  C1: garden\n",
		"bad backend":    "content_store:\n  backend: s3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestAPIKey_EnvOverridesYAML(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "")
	cfg := config.Config{
		Search: config.SearchConfig{APIKeys: map[string]string{"tavily": "yaml-key"}},
	}
	if got := cfg.APIKey("tavily"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}
	t.Setenv("TAVILY_API_KEY", "env-key")
	if got := cfg.APIKey("tavily"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
	if got := (config.Config{}).APIKey("nonexistent"); got != "" {
		t.Fatalf("expected empty for unknown key, got %q", got)
	}
}

func TestLLMAPIKey_PerProviderEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := config.Config{LLM: config.LLMConfig{Provider: "anthropic", APIKey: "yaml"}}
	if got := cfg.LLMAPIKey(); got != "yaml" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env")
	if got := cfg.LLMAPIKey(); got != "env" {
		t.Fatalf("got %q", got)
	}
}

func TestSetProject_WritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "log_level: debug\n")

	if err := config.SetProject(homeDir, "CGARDEN", "garden"); err != nil {
		t.Fatalf("SetProject: %v", err)
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.Projects["CGARDEN"] != "garden" {
		t.Fatalf("expected project binding, got %+v", cfg.Projects)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level preserved, got %q", cfg.LogLevel)
	}
	if err := config.SetProject(homeDir, "", "x"); err == nil {
		t.Fatal("expected error for empty channel id")
	}
}

func TestFingerprint_StableAndRoutingSensitive(t *testing.T) {
	a := config.Config{Projects: map[string]string{"C1": "a", "C2": "b"}}
	b := config.Config{Projects: map[string]string{"C2": "b", "C1": "a"}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must not depend on map order")
	}
	c := config.Config{Projects: map[string]string{"C1": "a", "C2": "c"}}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("fingerprint must change when project routing changes")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint %q", a.Fingerprint())
	}
}
