package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the steward metric instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	IngestEvents    metric.Int64Counter
	IngestRejected  metric.Int64Counter
	ActorDuration   metric.Float64Histogram
	ActorDuplicates metric.Int64Counter
	ActorDegraded   metric.Int64Counter
	StoreCommits    metric.Int64Counter
	StoreConflicts  metric.Int64Counter
	LLMDuration     metric.Float64Histogram
	SearchQueries   metric.Int64Counter
	ResearchRounds  metric.Int64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.IngestEvents, "steward.ingest.events", "Inbound webhook deliveries accepted, by kind"},
		{&m.IngestRejected, "steward.ingest.rejected", "Inbound webhook deliveries rejected, by reason"},
		{&m.ActorDuplicates, "steward.actor.duplicates", "Events ignored as already processed"},
		{&m.ActorDegraded, "steward.actor.degraded", "Actor steps that absorbed a capability failure"},
		{&m.StoreCommits, "steward.store.commits", "Content store commits created"},
		{&m.StoreConflicts, "steward.store.conflicts", "Content store compare-and-commit conflicts"},
		{&m.SearchQueries, "steward.search.queries", "Search queries issued, by provider"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	m.ActorDuration, err = meter.Float64Histogram("steward.actor.duration",
		metric.WithDescription("Time to process one event in an entity actor"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.LLMDuration, err = meter.Float64Histogram("steward.llm.duration",
		metric.WithDescription("LLM completion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.ResearchRounds, err = meter.Int64Histogram("steward.research.rounds",
		metric.WithDescription("Search rounds per research pipeline run"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) Ingested(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.IngestEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Rejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.IngestRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ActorStep(ctx context.Context, entityKind string, d time.Duration, degraded bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("entity", entityKind))
	m.ActorDuration.Record(ctx, d.Seconds(), attrs)
	if degraded {
		m.ActorDegraded.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) Duplicate(ctx context.Context, entityKind string) {
	if m == nil {
		return
	}
	m.ActorDuplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entityKind)))
}

func (m *Metrics) Commit(ctx context.Context, files int) {
	if m == nil {
		return
	}
	m.StoreCommits.Add(ctx, 1, metric.WithAttributes(attribute.Int("files", files)))
}

func (m *Metrics) Conflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.StoreConflicts.Add(ctx, 1)
}

func (m *Metrics) LLMCall(ctx context.Context, model string, d time.Duration, errClass string) {
	if m == nil {
		return
	}
	m.LLMDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("error_class", errClass),
	))
}

func (m *Metrics) SearchQuery(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.SearchQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) ResearchRun(ctx context.Context, rounds int) {
	if m == nil {
		return
	}
	m.ResearchRounds.Record(ctx, int64(rounds))
}
