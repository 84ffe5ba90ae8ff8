package contentstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/markdown"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/shared"
)

const defaultMaxRetries = 3

// Skip records an intent that could not apply to the snapshot it ran
// against. The rest of the batch still commits.
type Skip struct {
	Intent Intent
	Reason string
}

// Result describes the outcome of one Apply.
type Result struct {
	SHA      string
	Files    []string
	Skipped  []Skip
	Attempts int
}

// Changed reports whether a commit was created.
func (r Result) Changed() bool { return r.SHA != "" }

// Writer turns intent batches into single commits. There is no lock around
// Apply: every attempt reads one snapshot and commits against it, and a
// moved head sends the whole batch around again on the new snapshot.
type Writer struct {
	backend    Backend
	maxRetries int
	logger     *slog.Logger
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     trace.Tracer
	backoff    time.Duration
}

type Option func(*Writer)

func WithLogger(l *slog.Logger) Option { return func(w *Writer) { w.logger = l } }
func WithBus(b *bus.Bus) Option { return func(w *Writer) { w.bus = b } }
func WithMetrics(m *otel.Metrics) Option { return func(w *Writer) { w.metrics = m } }
func WithTracer(t trace.Tracer) Option { return func(w *Writer) { w.tracer = t } }
func WithMaxRetries(n int) Option { return func(w *Writer) { w.maxRetries = n } }
func WithBackoff(d time.Duration) Option { return func(w *Writer) { w.backoff = d } }

func NewWriter(backend Backend, opts ...Option) *Writer {
	w := &Writer{
		backend:    backend,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		backoff:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxRetries < 0 {
		w.maxRetries = 0
	}
	return w
}

// ReadFile reads path at the current head.
func (w *Writer) ReadFile(ctx context.Context, path string) (string, bool, error) {
	head, err := w.backend.Head(ctx)
	if err != nil {
		return "", false, err
	}
	return w.backend.ReadFile(ctx, head, path)
}

// ReadFiles reads several paths from one snapshot. Missing paths map to "".
func (w *Writer) ReadFiles(ctx context.Context, paths ...string) (map[string]string, error) {
	head, err := w.backend.Head(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		content, _, err := w.backend.ReadFile(ctx, head, p)
		if err != nil {
			return nil, err
		}
		out[p] = content
	}
	return out, nil
}

// AppendToSection is the single-intent form of Apply.
func (w *Writer) AppendToSection(ctx context.Context, path, heading, line, message string) (Result, error) {
	return w.Apply(ctx, []Intent{{Path: path, Operation: OpAppendToSection, Heading: heading, Content: line}}, message)
}

// WriteBatch replaces whole files in one commit.
func (w *Writer) WriteBatch(ctx context.Context, files []File, message string) (Result, error) {
	intents := make([]Intent, 0, len(files))
	for _, f := range files {
		intents = append(intents, Intent{Path: f.Path, Operation: OpWriteFile, Content: f.Content})
	}
	return w.Apply(ctx, intents, message)
}

// Apply commits intents as one commit. Intents on the same path apply in
// order against that path's snapshot content and become one file write.
// A batch whose intents change nothing produces no commit.
func (w *Writer) Apply(ctx context.Context, intents []Intent, message string) (Result, error) {
	if len(intents) == 0 {
		return Result{}, nil
	}
	for i, in := range intents {
		if err := in.Validate(); err != nil {
			return Result{}, fmt.Errorf("intent %d: %w", i, err)
		}
	}
	traceID := shared.TraceID(ctx)
	message = withTrace(message, traceID)

	ctx, span := otel.StartClientSpan(ctx, w.tracer, "contentstore.apply",
		otel.AttrTraceID.String(traceID),
		otel.AttrFiles.Int(len(groupByPath(intents))),
	)
	var err error
	defer func() { otel.EndSpan(span, err) }()

	var res Result
	for attempt := 1; attempt <= w.maxRetries+1; attempt++ {
		span.SetAttributes(otel.AttrAttempt.Int(attempt))
		res, err = w.attempt(ctx, intents, message)
		res.Attempts = attempt
		if err == nil {
			if res.Changed() {
				w.metrics.Commit(ctx, len(res.Files))
				w.bus.Publish(bus.TopicStoreCommitted, bus.CommitEvent{
					SHA: res.SHA, Files: res.Files, Message: message, TraceID: traceID, Attempts: attempt,
				})
				w.logger.Info("content store commit",
					"sha", res.SHA, "files", res.Files, "attempts", attempt, "trace_id", traceID, "skipped", len(res.Skipped))
			}
			return res, nil
		}
		if !errors.Is(err, ErrConflict) {
			return res, err
		}
		w.metrics.Conflict(ctx)
		w.bus.Publish(bus.TopicStoreConflict, bus.CommitEvent{
			Files: res.Files, Message: message, TraceID: traceID, Attempts: attempt,
		})
		w.logger.Warn("content store conflict, retrying on new head",
			"attempt", attempt, "trace_id", traceID, "error", err)
		if attempt <= w.maxRetries {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return res, err
			case <-time.After(w.backoff * time.Duration(attempt)):
			}
		}
	}
	err = fmt.Errorf("commit after %d attempts: %w", w.maxRetries+1, err)
	return res, err
}

func (w *Writer) attempt(ctx context.Context, intents []Intent, message string) (Result, error) {
	head, err := w.backend.Head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read head: %w", err)
	}

	var res Result
	var files []File
	for _, group := range groupByPath(intents) {
		original, exists, err := w.backend.ReadFile(ctx, head, group.path)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", group.path, err)
		}
		doc := original
		touched := exists
		for _, in := range group.intents {
			next, err := apply(doc, touched, in)
			if err != nil {
				if errors.Is(err, markdown.ErrSectionNotFound) || errors.Is(err, markdown.ErrItemNotFound) {
					res.Skipped = append(res.Skipped, Skip{Intent: in, Reason: err.Error()})
					continue
				}
				return Result{}, err
			}
			doc = next
			touched = true
		}
		if doc == original && exists {
			continue
		}
		if !touched {
			continue
		}
		files = append(files, File{Path: group.path, Content: doc})
	}
	if len(files) == 0 {
		return res, nil
	}

	for _, warn := range scanLeaks(files) {
		w.logger.Warn("possible credential in commit content",
			"path", warn.Path, "pattern", warn.Pattern, "sample", warn.Sample)
	}

	for _, f := range files {
		res.Files = append(res.Files, f.Path)
	}
	sha, err := w.backend.Commit(ctx, head, files, message)
	if err != nil {
		return res, err
	}
	res.SHA = sha
	return res, nil
}

type pathGroup struct {
	path    string
	intents []Intent
}

// groupByPath keeps first-seen path order and per-path intent order.
func groupByPath(intents []Intent) []pathGroup {
	var groups []pathGroup
	at := make(map[string]int)
	for _, in := range intents {
		i, ok := at[in.Path]
		if !ok {
			i = len(groups)
			at[in.Path] = i
			groups = append(groups, pathGroup{path: in.Path})
		}
		groups[i].intents = append(groups[i].intents, in)
	}
	return groups
}

// withTrace appends the trace marker that ties a commit back to the event
// that caused it.
func withTrace(message, traceID string) string {
	message = strings.TrimSpace(message)
	if traceID == "" || traceID == "-" {
		return message
	}
	marker := "[trace:" + traceID + "]"
	if strings.Contains(message, marker) {
		return message
	}
	if message == "" {
		return marker
	}
	return message + " " + marker
}
