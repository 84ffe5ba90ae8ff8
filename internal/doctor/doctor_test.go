package doctor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/go-steward/internal/config"
)

type fakeResolver struct {
	down   map[string]bool
	looked []string
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.looked = append(f.looked, host)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.down[host] {
		return nil, errors.New("no such host")
	}
	return []string{"192.0.2.1"}, nil
}

func loadedConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return &cfg
}

func TestCheckNetwork_ResolvesConfiguredEndpoints(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.Provider = "anthropic"
	cfg.ContentStore.Backend = "github"
	cfg.ContentStore.APIBase = "https://ghe.example.com/api/v3"

	r := &fakeResolver{}
	result := checkNetwork(context.Background(), cfg, r)
	if result.Status != "PASS" {
		t.Fatalf("status = %s (%s)", result.Status, result.Detail)
	}
	want := []string{"slack.com", "ghe.example.com", "api.anthropic.com"}
	if diff := cmp.Diff(want, r.looked); diff != "" {
		t.Fatalf("hosts (-want +got):\n%s", diff)
	}
}

func TestCheckNetwork_MemoryBackendSkipsGitHub(t *testing.T) {
	cfg := &config.Config{}
	cfg.ContentStore.Backend = "memory"
	cfg.LLM.Provider = "google"

	r := &fakeResolver{}
	checkNetwork(context.Background(), cfg, r)
	for _, h := range r.looked {
		if h == "api.github.com" {
			t.Fatal("memory backend should not look up github")
		}
	}
}

func TestCheckNetwork_FailureNamesHost(t *testing.T) {
	cfg := &config.Config{}
	r := &fakeResolver{down: map[string]bool{"slack.com": true}}
	result := checkNetwork(context.Background(), cfg, r)
	if result.Status != "FAIL" || !strings.Contains(result.Message, "slack.com") {
		t.Fatalf("result = %+v", result)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil, &fakeResolver{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := checkNetwork(ctx, &config.Config{}, &fakeResolver{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := &config.Config{}
	cfg.ContentStore.Backend = "github"
	cfg.LLM.Provider = "openai_compatible"
	if got := checkCredentials(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("missing signing secret: %+v", got)
	}

	cfg.SigningSecret = "s3cret"
	got := checkCredentials(context.Background(), cfg)
	if got.Status != "WARN" || !strings.Contains(got.Detail, "SLACK_BOT_TOKEN") || !strings.Contains(got.Detail, "GITHUB_TOKEN") {
		t.Fatalf("missing tokens: %+v", got)
	}

	cfg.Slack.Token = "xoxb-1"
	cfg.ContentStore.Token = "ghp_1"
	if got := checkCredentials(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("all present: %+v", got)
	}
}

func TestCheckRouting(t *testing.T) {
	cfg := &config.Config{}
	got := checkRouting(context.Background(), cfg)
	if got.Status != "WARN" || !strings.Contains(got.Detail, "channels.rituals") {
		t.Fatalf("empty channels: %+v", got)
	}
	cfg.Channels = config.ChannelsConfig{Inbox: "C1", Rituals: "C2", Research: "C3"}
	cfg.Projects = map[string]string{"C4": "garden"}
	got = checkRouting(context.Background(), cfg)
	if got.Status != "PASS" || got.Message != "1 project channel(s) bound" {
		t.Fatalf("full routing: %+v", got)
	}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := loadedConfig(t)
	d := run(context.Background(), cfg, "test", &fakeResolver{})

	byName := map[string]string{}
	for _, r := range d.Results {
		byName[r.Name] = r.Status
	}
	want := map[string]string{
		"Config":      "WARN",
		"Routing":     "WARN",
		"Credentials": "FAIL",
		"Database":    "PASS",
		"Permissions": "PASS",
		"Network":     "PASS",
	}
	if diff := cmp.Diff(want, byName); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	if !d.Failed() || d.System.Version != "test" {
		t.Fatalf("diagnosis = %+v", d)
	}
}
