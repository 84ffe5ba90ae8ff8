// Package search runs web queries through an ordered list of providers.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/otel"
)

// ErrNoProvider is returned when every provider is unavailable or failed.
var ErrNoProvider = errors.New("search: no provider available")

type Request struct {
	Query         string
	MaxResults    int
	SearchDepth   string // "basic" or "advanced"
	IncludeAnswer bool
}

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type Response struct {
	Results  []Result `json:"results"`
	Answer   string   `json:"answer,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// Client is what the research pipeline calls.
type Client interface {
	Search(ctx context.Context, req Request) (Response, error)
}

// Provider is one search backend. Available reports whether it has the
// credentials it needs.
type Provider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, req Request) (Response, error)
}

const defaultMaxResults = 5

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Router tries providers in order. Unavailable providers are skipped and a
// failing provider falls through to the next; the first success wins.
type Router struct {
	providers []Provider
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

type RouterOption func(*Router)

func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }
func WithMetrics(m *otel.Metrics) RouterOption { return func(r *Router) { r.metrics = m } }
func WithTracer(t trace.Tracer) RouterOption { return func(r *Router) { r.tracer = t } }

func NewRouter(providers []Provider, opts ...RouterOption) *Router {
	r := &Router{providers: providers, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Keys carries provider credentials by config name.
type Keys struct {
	Tavily     string
	Brave      string
	Perplexity string
}

// DefaultProviders orders providers with preferred first, then tavily,
// brave, perplexity, and keyless duckduckgo last.
func DefaultProviders(keys Keys, preferred string) []Provider {
	all := []Provider{
		NewTavily(keys.Tavily),
		NewBrave(keys.Brave),
		NewPerplexity(keys.Perplexity),
		NewDDG(),
	}
	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred == "" {
		return all
	}
	ordered := make([]Provider, 0, len(all))
	for _, p := range all {
		if p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range all {
		if p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// Providers returns the configured provider names and availability.
func (r *Router) Providers() map[string]bool {
	out := make(map[string]bool, len(r.providers))
	for _, p := range r.providers {
		out[p.Name()] = p.Available()
	}
	return out
}

func (r *Router) Search(ctx context.Context, req Request) (Response, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Response{}, fmt.Errorf("search: empty query")
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}

	var errs []error
	for _, p := range r.providers {
		if !p.Available() {
			continue
		}
		pctx, span := otel.StartClientSpan(ctx, r.tracer, "search.query", otel.AttrProvider.String(p.Name()))
		r.metrics.SearchQuery(pctx, p.Name())
		resp, err := p.Search(pctx, req)
		otel.EndSpan(span, err)
		if err != nil {
			r.logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		resp.Provider = p.Name()
		if len(resp.Results) > req.MaxResults {
			resp.Results = resp.Results[:req.MaxResults]
		}
		return resp, nil
	}
	if len(errs) == 0 {
		return Response{}, ErrNoProvider
	}
	return Response{}, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
}

func trimSnippet(s string, max int) string {
	if s == "" || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
