package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SlackConfig holds the chat platform credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	APIBase string `yaml:"api_base"`
}

// ChannelsConfig names the well-known channels the router resolves entity keys from.
type ChannelsConfig struct {
	Inbox    string `yaml:"inbox"`
	Rituals  string `yaml:"rituals"`
	Research string `yaml:"research"`
}

// LayoutConfig maps content concerns to paths inside the content store.
type LayoutConfig struct {
	RolesPath       string `yaml:"roles"`
	GoalsPath       string `yaml:"goals"`
	OpenLoopsPath   string `yaml:"open_loops"`
	CalendarPath    string `yaml:"calendar"`
	InboxPath       string `yaml:"inbox"`
	WeeklyPlanDir   string `yaml:"weekly_plans"`
	MonthlyPlanDir  string `yaml:"monthly_plans"`
	PlanIndexPath   string `yaml:"plan_index"`
	RitualLogDir    string `yaml:"ritual_logs"`
	ResearchDir     string `yaml:"research"`
	ProjectsDir     string `yaml:"projects"`
	StreamDir       string `yaml:"stream"`
	ContextPackPath string `yaml:"context_pack"`
}

type ContentStoreConfig struct {
	// Backend is "github" or "memory".
	Backend    string       `yaml:"backend"`
	Owner      string       `yaml:"owner"`
	Repo       string       `yaml:"repo"`
	Branch     string       `yaml:"branch"`
	Token      string       `yaml:"token"`
	APIBase    string       `yaml:"api_base"`
	MaxRetries int          `yaml:"max_retries"`
	Layout     LayoutConfig `yaml:"layout"`
}

// LLMConfig selects the completion provider: "google", "anthropic", "openai", "openai_compatible".
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SearchConfig struct {
	// Preferred names the provider tried first; empty uses tavily → brave → perplexity → duckduckgo.
	Preferred   string            `yaml:"preferred"`
	APIKeys     map[string]string `yaml:"api_keys"`
	MaxResults  int               `yaml:"max_results"`
	Depth       string            `yaml:"depth"`
	Parallelism int               `yaml:"parallelism"`
}

type ResearchConfig struct {
	QualityThreshold float64 `yaml:"quality_threshold"`
	MaxGapRounds     int     `yaml:"max_gap_rounds"`
	FirstGapQueries  int     `yaml:"first_gap_queries"`
	LaterGapQueries  int     `yaml:"later_gap_queries"`
	MaxPlanQueries   int     `yaml:"max_plan_queries"`
}

type RitualConfig struct {
	CommitPhrases  []string `yaml:"commit_phrases"`
	SkipPhrases    []string `yaml:"skip_phrases"`
	AbandonPhrases []string `yaml:"abandon_phrases"`
	WeeklyCron     string   `yaml:"weekly_cron"`
	MonthlyCron    string   `yaml:"monthly_cron"`
	Timezone       string   `yaml:"timezone"`
}

type DedupConfig struct {
	WindowSize int `yaml:"window_size"`
	TTLHours   int `yaml:"ttl_hours"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	// SigningSecret authenticates inbound webhooks.
	SigningSecret       string `yaml:"signing_secret"`
	ReplayWindowSeconds int    `yaml:"replay_window_seconds"`
	BotUserID           string `yaml:"bot_user_id"`

	// AuthToken guards the operator API and event stream. Empty leaves them open on loopback.
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	Slack    SlackConfig    `yaml:"slack"`
	Channels ChannelsConfig `yaml:"channels"`
	// Projects maps a channel id to a project slug.
	Projects map[string]string `yaml:"projects"`

	ContentStore ContentStoreConfig `yaml:"content_store"`
	LLM          LLMConfig          `yaml:"llm"`
	Search       SearchConfig       `yaml:"search"`
	Research     ResearchConfig     `yaml:"research"`
	Ritual       RitualConfig       `yaml:"ritual"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// APIKey returns the search provider key, checking env overrides first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"tavily":     "TAVILY_API_KEY",
		"brave":      "BRAVE_API_KEY",
		"perplexity": "PERPLEXITY_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Search.APIKeys != nil {
		return c.Search.APIKeys[name]
	}
	return ""
}

// LLMAPIKey returns the key for the configured provider. Env vars take precedence.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLHours) * time.Hour
}

// Location resolves the ritual timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.Ritual.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Ritual.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetProject binds a channel id to a project slug in config.yaml, preserving other settings.
func SetProject(homeDir, channelID, slug string) error {
	channelID = strings.TrimSpace(channelID)
	slug = strings.TrimSpace(slug)
	if channelID == "" || slug == "" {
		return errors.New("channel id and slug are required")
	}
	if strings.ContainsAny(slug, "/: ") {
		return fmt.Errorf("slug %q must not contain '/', ':' or spaces", slug)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	projects, _ := raw["projects"].(map[string]interface{})
	if projects == nil {
		projects = make(map[string]interface{})
	}
	projects[channelID] = slug
	raw["projects"] = projects
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the routing-relevant config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|inbox=%s|rituals=%s|research=%s|store=%s/%s@%s|llm=%s/%s",
		c.BindAddr, c.LogLevel, c.Channels.Inbox, c.Channels.Rituals, c.Channels.Research,
		c.ContentStore.Owner, c.ContentStore.Repo, c.ContentStore.Branch, c.LLM.Provider, c.LLM.Model)
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(h, "|p:%s=%s", id, c.Projects[id])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultLayout() LayoutConfig {
	return LayoutConfig{
		RolesPath:       "identity/roles.md",
		GoalsPath:       "identity/goals.md",
		OpenLoopsPath:   "loops/open.md",
		CalendarPath:    "calendar/upcoming.md",
		InboxPath:       "inbox/inbox.md",
		WeeklyPlanDir:   "plans/weekly",
		MonthlyPlanDir:  "plans/monthly",
		PlanIndexPath:   "plans/index.md",
		RitualLogDir:    "logs/rituals",
		ResearchDir:     "research",
		ProjectsDir:     "projects",
		StreamDir:       "stream",
		ContextPackPath: "context/pack.md",
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		ReplayWindowSeconds: 300,
		Slack:               SlackConfig{APIBase: "https://slack.com/api"},
		ContentStore: ContentStoreConfig{
			Backend:    "github",
			Branch:     "main",
			APIBase:    "https://api.github.com",
			MaxRetries: 3,
			Layout:     defaultLayout(),
		},
		LLM: LLMConfig{
			Provider:       "google",
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 90,
		},
		Search: SearchConfig{
			MaxResults:  5,
			Depth:       "advanced",
			Parallelism: 4,
		},
		Research: ResearchConfig{
			QualityThreshold: 0.7,
			MaxGapRounds:     2,
			FirstGapQueries:  3,
			LaterGapQueries:  2,
			MaxPlanQueries:   3,
		},
		Ritual: RitualConfig{
			CommitPhrases:  []string{"commit", "lock it in", "that's the plan", "ship it"},
			SkipPhrases:    []string{"skip", "next phase", "move on"},
			AbandonPhrases: []string{"abandon", "cancel ritual"},
			WeeklyCron:     "0 17 * * 0",
			MonthlyCron:    "0 9 1 * *",
		},
		Dedup: DedupConfig{
			WindowSize: 500,
			TTLHours:   72,
		},
		Telemetry: TelemetryConfig{
			Exporter:   "none",
			SampleRate: 1,
		},
	}
}

// HomeDir resolves the daemon home: STEWARD_HOME, else ~/.steward.
func HomeDir() string {
	if override := os.Getenv("STEWARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies env overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create steward home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.ReplayWindowSeconds <= 0 {
		cfg.ReplayWindowSeconds = def.ReplayWindowSeconds
	}
	if cfg.Slack.APIBase == "" {
		cfg.Slack.APIBase = def.Slack.APIBase
	}
	cfg.Slack.APIBase = strings.TrimRight(cfg.Slack.APIBase, "/")

	cs := &cfg.ContentStore
	cs.Backend = strings.ToLower(strings.TrimSpace(cs.Backend))
	if cs.Backend == "" {
		cs.Backend = def.ContentStore.Backend
	}
	if cs.Branch == "" {
		cs.Branch = def.ContentStore.Branch
	}
	if cs.APIBase == "" {
		cs.APIBase = def.ContentStore.APIBase
	}
	cs.APIBase = strings.TrimRight(cs.APIBase, "/")
	if cs.MaxRetries <= 0 {
		cs.MaxRetries = def.ContentStore.MaxRetries
	}
	fillLayout(&cs.Layout, def.ContentStore.Layout)

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}

	if cfg.Search.MaxResults <= 0 {
		cfg.Search.MaxResults = def.Search.MaxResults
	}
	if cfg.Search.Depth == "" {
		cfg.Search.Depth = def.Search.Depth
	}
	if cfg.Search.Parallelism <= 0 {
		cfg.Search.Parallelism = def.Search.Parallelism
	}

	r := &cfg.Research
	if r.QualityThreshold <= 0 || r.QualityThreshold > 1 {
		r.QualityThreshold = def.Research.QualityThreshold
	}
	if r.MaxGapRounds < 0 || r.MaxGapRounds > def.Research.MaxGapRounds {
		r.MaxGapRounds = def.Research.MaxGapRounds
	}
	if r.FirstGapQueries <= 0 || r.FirstGapQueries > def.Research.FirstGapQueries {
		r.FirstGapQueries = def.Research.FirstGapQueries
	}
	if r.LaterGapQueries <= 0 || r.LaterGapQueries > def.Research.LaterGapQueries {
		r.LaterGapQueries = def.Research.LaterGapQueries
	}
	if r.MaxPlanQueries <= 0 || r.MaxPlanQueries > def.Research.MaxPlanQueries {
		r.MaxPlanQueries = def.Research.MaxPlanQueries
	}

	if len(cfg.Ritual.CommitPhrases) == 0 {
		cfg.Ritual.CommitPhrases = def.Ritual.CommitPhrases
	}
	if len(cfg.Ritual.SkipPhrases) == 0 {
		cfg.Ritual.SkipPhrases = def.Ritual.SkipPhrases
	}
	if len(cfg.Ritual.AbandonPhrases) == 0 {
		cfg.Ritual.AbandonPhrases = def.Ritual.AbandonPhrases
	}

	if cfg.Dedup.WindowSize <= 0 {
		cfg.Dedup.WindowSize = def.Dedup.WindowSize
	}
	if cfg.Dedup.TTLHours <= 0 {
		cfg.Dedup.TTLHours = def.Dedup.TTLHours
	}

	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
}

func fillLayout(l *LayoutConfig, def LayoutConfig) {
	pairs := []struct {
		field *string
		value string
	}{
		{&l.RolesPath, def.RolesPath},
		{&l.GoalsPath, def.GoalsPath},
		{&l.OpenLoopsPath, def.OpenLoopsPath},
		{&l.CalendarPath, def.CalendarPath},
		{&l.InboxPath, def.InboxPath},
		{&l.WeeklyPlanDir, def.WeeklyPlanDir},
		{&l.MonthlyPlanDir, def.MonthlyPlanDir},
		{&l.PlanIndexPath, def.PlanIndexPath},
		{&l.RitualLogDir, def.RitualLogDir},
		{&l.ResearchDir, def.ResearchDir},
		{&l.ProjectsDir, def.ProjectsDir},
		{&l.StreamDir, def.StreamDir},
		{&l.ContextPackPath, def.ContextPackPath},
	}
	for _, p := range pairs {
		v := strings.Trim(strings.TrimSpace(*p.field), "/")
		if v == "" {
			v = p.value
		}
		*p.field = v
	}
}

// validate rejects configs the daemon cannot route with. A hot reload that
// fails validation keeps the previous routing table.
func validate(cfg Config) error {
	switch cfg.ContentStore.Backend {
	case "github", "memory":
	default:
		return fmt.Errorf("content_store.backend %q: must be github or memory", cfg.ContentStore.Backend)
	}
	seen := map[string]string{}
	for _, ch := range []struct{ name, id string }{
		{"inbox", cfg.Channels.Inbox},
		{"rituals", cfg.Channels.Rituals},
		{"research", cfg.Channels.Research},
	} {
		if ch.id == "" {
			continue
		}
		if other, dup := seen[ch.id]; dup {
			return fmt.Errorf("channels.%s and channels.%s share channel id %s", other, ch.name, ch.id)
		}
		seen[ch.id] = ch.name
	}
	for id, slug := range cfg.Projects {
		if strings.TrimSpace(slug) == "" {
			return fmt.Errorf("projects.%s: empty slug", id)
		}
		if strings.ContainsAny(slug, "/: ") {
			return fmt.Errorf("projects.%s: slug %q must not contain '/', ':' or spaces", id, slug)
		}
		if name, dup := seen[id]; dup {
			return fmt.Errorf("projects.%s collides with channels.%s", id, name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STEWARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STEWARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STEWARD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STEWARD_SIGNING_SECRET"); raw != "" {
		cfg.SigningSecret = raw
	}
	if raw := os.Getenv("STEWARD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Slack.Token = raw
	}
	if raw := os.Getenv("GITHUB_TOKEN"); raw != "" {
		cfg.ContentStore.Token = raw
	}
	if raw := os.Getenv("STEWARD_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	for name, env := range map[string]string{
		"tavily":     "TAVILY_API_KEY",
		"brave":      "BRAVE_API_KEY",
		"perplexity": "PERPLEXITY_API_KEY",
	} {
		if raw := os.Getenv(env); raw != "" {
			if cfg.Search.APIKeys == nil {
				cfg.Search.APIKeys = make(map[string]string)
			}
			cfg.Search.APIKeys[name] = raw
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
}
