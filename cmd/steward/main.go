package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/capture"
	"github.com/basket/go-steward/internal/chat"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/contentstore"
	"github.com/basket/go-steward/internal/cron"
	"github.com/basket/go-steward/internal/gateway"
	"github.com/basket/go-steward/internal/llm"
	"github.com/basket/go-steward/internal/notify"
	otelPkg "github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/persistence"
	"github.com/basket/go-steward/internal/research"
	"github.com/basket/go-steward/internal/ritual"
	"github.com/basket/go-steward/internal/search"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const (
	retentionAuditDays = 90
	retentionAliasDays = 180
	fallbackReply      = "Sorry, something went wrong handling that. It's been logged; please try again."
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s                          Run the daemon

SUBCOMMANDS:
  %[1]s status                   Show daemon health (/healthz)
  %[1]s watch                    Live view of actors and bus events
  %[1]s doctor [-json]           Check config, credentials, database and network
  %[1]s replay-check <ts>        Check a request timestamp against the replay window
  %[1]s project-add <ch> <slug>  Bind a channel to a project in config.yaml
  %[1]s backup <path>            Write an online copy of the state database

ENVIRONMENT VARIABLES:
  STEWARD_HOME            Data directory (default: ~/.steward)
  STEWARD_SIGNING_SECRET  Webhook signing secret
  SLACK_BOT_TOKEN         Chat platform token
  GITHUB_TOKEN            Content store token
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "replay-check":
			os.Exit(runReplayCheckCommand(args[1:], time.Now(), os.Stdout))
		case "project-add":
			os.Exit(runProjectAddCommand(args[1:], os.Stdout))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so a logger failure is still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()
	audit.SetConfigVersion(cfg.Fingerprint())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found; running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if cfg.SigningSecret == "" {
		logger.Warn("signing_secret is empty; every webhook will be rejected")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; operator API answers loopback callers only", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	tracer := otelProvider.Tracer

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	backend, err := openBackend(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_CONTENT_STORE", err)
	}
	writer := contentstore.NewWriter(backend,
		contentstore.WithLogger(logger),
		contentstore.WithBus(eventBus),
		contentstore.WithMetrics(metrics),
		contentstore.WithTracer(tracer),
		contentstore.WithMaxRetries(cfg.ContentStore.MaxRetries),
	)

	slack := chat.NewSlack(chat.SlackConfig{
		Token:   cfg.Slack.Token,
		APIBase: cfg.Slack.APIBase,
		Logger:  logger,
		Tracer:  tracer,
	})

	llmClient := llm.NewGenkitClient(ctx, llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLMAPIKey(),
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLMTimeout(),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if !llmClient.Enabled() {
		logger.Warn("llm provider has no credentials; handlers will reply in degraded mode", "provider", cfg.LLM.Provider)
	}

	searcher := search.NewRouter(
		search.DefaultProviders(search.Keys{
			Tavily:     cfg.APIKey("tavily"),
			Brave:      cfg.APIKey("brave"),
			Perplexity: cfg.APIKey("perplexity"),
		}, cfg.Search.Preferred),
		search.WithLogger(logger),
		search.WithMetrics(metrics),
		search.WithTracer(tracer),
	)
	logger.Info("search providers", "available", searcher.Providers())

	// srv is assigned below; handlers only read routes once events flow.
	var srv *gateway.Server
	projectFor := func(channelID string) string {
		rt := srv.Routes()
		return rt.ProjectFor(channelID)
	}

	captureHandler := &capture.Handler{
		LLM:    llmClient,
		Chat:   slack,
		Store:  writer,
		Layout: cfg.ContentStore.Layout,
		Logger: logger,
	}
	ritualHandler := &ritual.Handler{
		LLM:     llmClient,
		Chat:    slack,
		Store:   writer,
		Threads: store,
		Layout:  cfg.ContentStore.Layout,
		Triggers: ritual.Triggers{
			Commit:  cfg.Ritual.CommitPhrases,
			Skip:    cfg.Ritual.SkipPhrases,
			Abandon: cfg.Ritual.AbandonPhrases,
		},
		Location: cfg.Location(),
		Bus:      eventBus,
		Tracer:   tracer,
		Logger:   logger,
	}
	researchHandler := &research.Handler{
		Pipeline: &research.Pipeline{
			LLM:     llmClient,
			Search:  searcher,
			Limits:  researchLimits(cfg),
			Bus:     eventBus,
			Metrics: metrics,
			Tracer:  tracer,
			Logger:  logger,
		},
		Chat:       slack,
		Store:      writer,
		Threads:    store,
		Layout:     cfg.ContentStore.Layout,
		ProjectFor: projectFor,
		BotUserID:  cfg.BotUserID,
		Location:   cfg.Location(),
		Bus:        eventBus,
		Tracer:     tracer,
		Logger:     logger,
	}

	registry := actor.NewRegistry(ctx, store,
		actor.KindResolver(map[string]actor.Handler{
			actor.EntityInbox:    captureHandler,
			actor.EntityProject:  captureHandler,
			actor.EntityRitual:   ritualHandler,
			actor.EntityResearch: researchHandler,
		}),
		actor.WithLogger(logger),
		actor.WithBus(eventBus),
		actor.WithMetrics(metrics),
		actor.WithTracer(tracer),
		actor.WithDedup(cfg.Dedup.WindowSize, cfg.DedupTTL()),
		actor.WithFallback(func(ctx context.Context, ev actor.Event, err error) {
			if ev.ChannelID == "" {
				return
			}
			msg := chat.Message{Channel: ev.ChannelID, ThreadTS: ev.ReplyThread(), Text: chat.WithTraceFooter(fallbackReply, shared.TraceID(ctx))}
			if _, postErr := slack.PostMessage(ctx, msg); postErr != nil {
				telemetry.FromContext(ctx, logger).Error("fallback reply failed", "error", postErr, "cause", err)
			}
		}),
	)
	logger.Info("startup phase", "phase", "actors_ready")

	srv = gateway.New(gateway.Config{
		Dispatcher: registry,
		Threads:    store,
		Store:      store,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
		Verifier: gateway.Verifier{
			Secret: cfg.SigningSecret,
			Window: cfg.ReplayWindow(),
		},
		BotUserID:    cfg.BotUserID,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		Fingerprint:  audit.ConfigVersion,
	}, gateway.RoutesFromConfig(cfg))
	srv.StartMaintenance(ctx)

	scheduler, err := cron.NewScheduler(cron.Config{
		Jobs:        scheduledJobs(cfg, registry, store, logger),
		Checkpoints: store,
		Location:    cfg.Location(),
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	scheduler.Start(ctx)

	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, eventBus, logger)
		if err != nil {
			logger.Error("telegram notifier disabled", "error", err)
		} else {
			go tg.Run(ctx)
		}
	}

	watchConfig(ctx, cfg.HomeDir, srv, eventBus, logger)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		logger.Error("gateway failed", "error", err)
	}

	// Stop intake first, then let every actor finish what it already accepted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	scheduler.Stop()
	if err := registry.Drain(cfg.DrainTimeout()); err != nil {
		logger.Warn("actor drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func openBackend(cfg config.Config, logger *slog.Logger) (contentstore.Backend, error) {
	switch cfg.ContentStore.Backend {
	case "memory":
		logger.Warn("content store is in memory; nothing will survive a restart")
		return contentstore.NewMemory(), nil
	default:
		return contentstore.NewGitHub(contentstore.GitHubConfig{
			Owner:   cfg.ContentStore.Owner,
			Repo:    cfg.ContentStore.Repo,
			Branch:  cfg.ContentStore.Branch,
			Token:   cfg.ContentStore.Token,
			APIBase: cfg.ContentStore.APIBase,
			Logger:  logger,
		})
	}
}

func researchLimits(cfg config.Config) research.Limits {
	l := research.DefaultLimits()
	r := cfg.Research
	if r.QualityThreshold > 0 {
		l.QualityThreshold = r.QualityThreshold
	}
	if r.MaxGapRounds > 0 {
		l.MaxGapRounds = r.MaxGapRounds
	}
	if r.FirstGapQueries > 0 {
		l.FirstGapQueries = r.FirstGapQueries
	}
	if r.LaterGapQueries > 0 {
		l.LaterGapQueries = r.LaterGapQueries
	}
	if r.MaxPlanQueries > 0 {
		l.MaxPlanQueries = r.MaxPlanQueries
	}
	if cfg.Search.MaxResults > 0 {
		l.MaxResults = cfg.Search.MaxResults
	}
	if cfg.Search.Depth != "" {
		l.SearchDepth = cfg.Search.Depth
	}
	if cfg.Search.Parallelism > 0 {
		l.Parallelism = cfg.Search.Parallelism
	}
	return l
}

func scheduledJobs(cfg config.Config, d cron.Dispatcher, store *persistence.Store, logger *slog.Logger) []cron.Job {
	var jobs []cron.Job
	if ch := cfg.Channels.Rituals; ch != "" {
		if cfg.Ritual.WeeklyCron != "" {
			jobs = append(jobs, cron.RitualJob("ritual-weekly", cfg.Ritual.WeeklyCron, ritual.Weekly, ch, d))
		}
		if cfg.Ritual.MonthlyCron != "" {
			jobs = append(jobs, cron.RitualJob("ritual-monthly", cfg.Ritual.MonthlyCron, ritual.Monthly, ch, d))
		}
	} else {
		logger.Warn("channels.rituals is empty; scheduled rituals are off")
	}
	jobs = append(jobs, cron.Job{
		Name: "retention",
		Expr: "30 3 * * *",
		Run: func(ctx context.Context, _ time.Time) error {
			res, err := store.RunRetention(ctx, retentionAuditDays, retentionAliasDays)
			if err != nil {
				return err
			}
			logger.Info("retention run", "purged_audit_logs", res.PurgedAuditLogs, "purged_thread_aliases", res.PurgedThreadAliases)
			return nil
		},
	})
	return jobs
}

// watchConfig reloads routing on config.yaml changes. Everything else needs
// a restart.
func watchConfig(ctx context.Context, homeDir string, srv *gateway.Server, b *bus.Bus, logger *slog.Logger) {
	w := config.NewWatcher(homeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	go func() {
		for range w.Events() {
			cfg, err := config.LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload rejected; keeping previous routes", "error", err)
				continue
			}
			srv.SetRoutes(gateway.RoutesFromConfig(cfg))
			audit.SetConfigVersion(cfg.Fingerprint())
			b.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Fingerprint: cfg.Fingerprint(), Projects: len(cfg.Projects)})
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint(), "projects", len(cfg.Projects))
		}
	}()
}

// fatalStartup logs and audits a startup failure, then exits.
func fatalStartup(logger *slog.Logger, code string, err error) {
	audit.Record(context.Background(), audit.Reject, "startup", code, err.Error())
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failed: %s: %v\n", code, err)
	}
	os.Exit(1)
}
