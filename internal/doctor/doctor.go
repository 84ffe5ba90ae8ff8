package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Resolver is the DNS lookup the network check uses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type checkFunc func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, net.DefaultResolver)
}

func run(ctx context.Context, cfg *config.Config, version string, r Resolver) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []checkFunc{
		checkConfig,
		checkRouting,
		checkCredentials,
		checkDatabase,
		checkPermissions,
		func(ctx context.Context, cfg *config.Config) CheckResult { return checkNetwork(ctx, cfg, r) },
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

// checkRouting warns when the channel table leaves a flow unreachable.
func checkRouting(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Routing", Status: "SKIP", Message: "Config missing"}
	}
	var missing []string
	if cfg.Channels.Inbox == "" {
		missing = append(missing, "channels.inbox")
	}
	if cfg.Channels.Rituals == "" {
		missing = append(missing, "channels.rituals (scheduled rituals disabled)")
	}
	if cfg.Channels.Research == "" {
		missing = append(missing, "channels.research")
	}
	msg := fmt.Sprintf("%d project channel(s) bound", len(cfg.Projects))
	if len(missing) > 0 {
		return CheckResult{Name: "Routing", Status: "WARN", Message: msg, Detail: "unset: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Routing", Status: "PASS", Message: msg}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}
	// Without a signing secret every webhook is rejected.
	if cfg.SigningSecret == "" {
		return CheckResult{
			Name:    "Credentials",
			Status:  "FAIL",
			Message: "signing secret not set",
			Detail:  "Set STEWARD_SIGNING_SECRET or signing_secret in config.yaml",
		}
	}
	var missing []string
	if cfg.Slack.Token == "" {
		missing = append(missing, "SLACK_BOT_TOKEN")
	}
	if cfg.ContentStore.Backend == "github" && cfg.ContentStore.Token == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if cfg.LLMAPIKey() == "" && cfg.LLM.Provider != "openai_compatible" {
		missing = append(missing, fmt.Sprintf("api key for %s", cfg.LLM.Provider))
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Credentials",
			Status:  "WARN",
			Message: fmt.Sprintf("%d credential(s) missing, affected capabilities will degrade", len(missing)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Credentials", Status: "PASS", Message: "Signing secret and tokens present"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d", version),
		Detail:  "checksum " + checksum,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

var llmHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

// endpoints lists the hosts the daemon will call with this config.
func endpoints(cfg *config.Config) []string {
	var hosts []string
	add := func(raw, fallback string) {
		host := fallback
		if raw != "" {
			if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
				host = u.Hostname()
			}
		}
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	add(cfg.Slack.APIBase, "slack.com")
	if cfg.ContentStore.Backend == "github" {
		add(cfg.ContentStore.APIBase, "api.github.com")
	}
	add(cfg.LLM.BaseURL, llmHosts[cfg.LLM.Provider])
	return hosts
}

func checkNetwork(ctx context.Context, cfg *config.Config, r Resolver) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hosts := endpoints(cfg)
	var failed, details []string
	start := time.Now()
	for _, host := range hosts {
		if _, err := r.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, host)
			details = append(details, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		details = append(details, host+": ok")
	}
	latency := time.Since(start)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s", strings.Join(failed, ", ")),
			Detail:  strings.Join(details, "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %d host(s) in %dms", len(hosts), latency.Milliseconds()),
		Detail:  strings.Join(details, "; "),
	}
}
