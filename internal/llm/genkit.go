package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/otel"
)

// Config selects the provider. Empty Provider means google.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// GenkitClient completes prompts through genkit. Without credentials every
// call fails with ErrUnavailable so callers take their degraded path.
type GenkitClient struct {
	g       *genkit.Genkit
	model   string
	enabled bool
	timeout time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func NewGenkitClient(ctx context.Context, cfg Config) *GenkitClient {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKey(provider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	c := &GenkitClient{
		model:   modelName(provider, cfg.Model),
		timeout: timeout,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
	if apiKey == "" {
		c.g = genkit.Init(ctx)
		logger.Warn("llm api key missing; completions will degrade", "provider", provider)
		return c
	}

	switch provider {
	case "anthropic":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "openai_compatible":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai_compatible", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		c.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(c.model),
		)
	default:
		c.g = genkit.Init(ctx)
		logger.Warn("unknown llm provider; completions will degrade", "provider", provider)
		return c
	}
	c.enabled = true
	logger.Info("llm client initialized", "provider", provider, "model", c.model)
	return c
}

// Enabled reports whether a provider is configured.
func (c *GenkitClient) Enabled() bool { return c.enabled }

func (c *GenkitClient) Model() string { return c.model }

func (c *GenkitClient) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.enabled {
		return "", ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := otel.StartClientSpan(ctx, c.tracer, "llm.complete", otel.AttrModel.String(c.model))
	start := time.Now()

	// ai.WithSystem formats its argument.
	system = strings.ReplaceAll(system, "%", "%%")
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.model),
		ai.WithSystem(system),
		ai.WithPrompt(strings.TrimSpace(user)),
	)
	class := ClassifyError(err)
	c.metrics.LLMCall(ctx, c.model, time.Since(start), string(class))
	if err != nil {
		span.SetAttributes(otel.AttrErrorClass.String(string(class)))
		otel.EndSpan(span, err)
		c.logger.Warn("llm completion failed", "model", c.model, "error_class", class, "error", err)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	otel.EndSpan(span, nil)
	return resp.Text(), nil
}

func envAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func modelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}
