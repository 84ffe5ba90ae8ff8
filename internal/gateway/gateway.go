package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/audit"
	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/shared"
	"github.com/basket/go-steward/internal/telemetry"
)

const (
	maxBodyBytes     = 1 << 20
	apiPerMinute     = 120
	apiBurst         = 20
	limiterEvictTick = 5 * time.Minute
	limiterIdleAge   = 30 * time.Minute
)

// Dispatcher hands routed events to entity actors.
type Dispatcher interface {
	Dispatch(ev actor.Event) (<-chan actor.Result, error)
	Len() int
	Snapshot() []actor.Snapshot
}

// ThreadResolver looks up the entity a conversation thread is bound to.
type ThreadResolver interface {
	ResolveThread(ctx context.Context, channelID, threadTS string) (string, bool, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Dispatcher Dispatcher
	Threads    ThreadResolver
	Store      Pinger
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger

	Verifier  Verifier
	BotUserID string

	AuthToken string
	// AllowOrigins controls cross-origin access to the operator API and the
	// event stream. Empty means same-origin only.
	AllowOrigins []string

	// Fingerprint reports the active config hash on /healthz.
	Fingerprint func() string
	Now         func() time.Time
}

// Server is the ingestion router. It authenticates, classifies, and routes
// inbound callbacks, then returns before any actor work starts.
type Server struct {
	cfg    Config
	routes atomic.Pointer[Routes]
	api    *rateLimiter
}

func New(cfg Config, routes Routes) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Verifier.Now == nil {
		cfg.Verifier.Now = cfg.Now
	}
	s := &Server{cfg: cfg, api: newRateLimiter(apiPerMinute, apiBurst)}
	s.SetRoutes(routes)
	return s
}

// SetRoutes swaps the routing table. Requests in flight keep the table they
// started with.
func (s *Server) SetRoutes(r Routes) {
	s.routes.Store(&r)
}

// Routes returns the active routing table.
func (s *Server) Routes() Routes {
	return *s.routes.Load()
}

// StartMaintenance evicts idle rate limiter buckets until ctx ends.
func (s *Server) StartMaintenance(ctx context.Context) {
	s.api.startEviction(ctx, limiterEvictTick, limiterIdleAge, s.cfg.Logger)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	body := maxBodyMiddleware(maxBodyBytes)
	mux.Handle("/slack/events", body(s.ingest(parseEvents)))
	mux.Handle("/slack/commands", body(s.ingest(parseCommand)))
	mux.Handle("/slack/interactive", body(s.ingest(parseInteractive)))
	mux.Handle("/webhook", body(s.ingest(parseWebhook)))
	mux.HandleFunc("/healthz", s.handleHealthz)

	operator := func(h http.HandlerFunc) http.Handler {
		return corsMiddleware(s.cfg.AllowOrigins)(s.api.wrap(h))
	}
	mux.Handle("/api/entities", operator(s.handleAPIEntities))
	mux.Handle("/api/routes", operator(s.handleAPIRoutes))
	mux.Handle("/api/events", corsMiddleware(s.cfg.AllowOrigins)(http.HandlerFunc(s.handleSSE)))
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) now() time.Time {
	if s.cfg.Now != nil {
		return s.cfg.Now()
	}
	return time.Now()
}

func (s *Server) log(ctx context.Context) *slog.Logger {
	return telemetry.FromContext(ctx, s.cfg.Logger).With("component", "gateway")
}

type classifier func(body []byte) (Inbound, error)

func (s *Server) ingest(classify classifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		ctx := r.Context()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.reject(ctx, "read_body", r.URL.Path, err)
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		if err := s.cfg.Verifier.Verify(r.Header, body); err != nil {
			s.reject(ctx, "signature", r.URL.Path, err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		in, err := classify(body)
		if err != nil {
			s.reject(ctx, "invalid_payload", r.URL.Path, err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if in.Class == ClassVerification {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": in.Challenge})
			return
		}
		status := s.route(ctx, in)
		writeJSON(w, status, map[string]bool{"ok": status == http.StatusOK})
	})
}

// route turns a verified callback into an actor event. It never waits on
// the actor.
func (s *Server) route(ctx context.Context, in Inbound) int {
	ev := actor.Event{
		ChannelID:  in.ChannelID,
		ThreadKey:  in.ThreadTS,
		Text:       in.Text,
		ActorID:    in.UserID,
		ReceivedAt: s.now(),
		Kind:       in.kind(),
		Command:    in.Command,
	}
	switch in.Class {
	case ClassCommand:
		nonce := in.TriggerID
		if nonce == "" {
			nonce = shared.NewTraceID()
		}
		ev.ID = "cmd:" + nonce
		ev.TraceID = shared.CommandTraceID(in.Command, in.ChannelID, in.UserID, nonce)
	default:
		ev.ID = in.EventID
		ev.TraceID = shared.EventTraceID(in.EventID)
	}
	if in.Class == ClassEvent {
		ev.MessageTS = in.TS
	}

	ctx = shared.WithEventID(shared.WithTraceID(ctx, ev.TraceID), ev.ID)
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "ingest."+string(in.Class),
		otel.AttrEventID.String(ev.ID),
		otel.AttrTraceID.String(ev.TraceID),
		otel.AttrEventKind.String(string(ev.Kind)),
	)
	var spanErr error
	defer func() { otel.EndSpan(span, spanErr) }()

	if reason := dropReason(in, s.cfg.BotUserID); reason != "" {
		s.drop(ctx, ev, reason)
		return http.StatusOK
	}
	key, reason := s.resolve(ctx, in, ev.TraceID)
	if key == "" {
		s.drop(ctx, ev, reason)
		return http.StatusOK
	}
	ev.EntityKey = key
	ctx = shared.WithEntityKey(ctx, key)
	span.SetAttributes(otel.AttrEntityKey.String(key))

	results, err := s.cfg.Dispatcher.Dispatch(ev)
	if err != nil {
		spanErr = err
		s.reject(ctx, "dispatch", key, err)
		if errors.Is(err, actor.ErrClosed) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}

	audit.Record(ctx, audit.Accept, "ingest."+string(ev.Kind), "", key)
	s.cfg.Metrics.Ingested(ctx, string(ev.Kind))
	s.cfg.Bus.Publish(bus.TopicIngestAccepted, bus.IngestEvent{
		Kind: string(ev.Kind), EntityKey: key, EventID: ev.ID, TraceID: ev.TraceID,
	})
	s.log(ctx).Info("event routed", "kind", ev.Kind, "channel_id", ev.ChannelID)

	go s.await(context.WithoutCancel(ctx), results)
	return http.StatusOK
}

// await logs the actor's outcome once it arrives. The HTTP response has
// already been written by then.
func (s *Server) await(ctx context.Context, results <-chan actor.Result) {
	res := <-results
	if res.Err != nil {
		s.log(ctx).Error("actor step failed", "error", res.Err)
		return
	}
	if res.Effects.Duplicate {
		s.log(ctx).Debug("duplicate event absorbed")
	}
}

func (s *Server) drop(ctx context.Context, ev actor.Event, reason string) {
	audit.Record(ctx, audit.Drop, "ingest."+string(ev.Kind), reason, ev.ChannelID)
	s.cfg.Bus.Publish(bus.TopicIngestDropped, bus.IngestEvent{
		Kind: string(ev.Kind), EventID: ev.ID, TraceID: ev.TraceID, Reason: reason,
	})
	s.log(ctx).Debug("event dropped", "reason", reason, "channel_id", ev.ChannelID)
}

func (s *Server) reject(ctx context.Context, reason, subject string, err error) {
	audit.Record(ctx, audit.Reject, "ingest", reason, subject)
	s.cfg.Metrics.Rejected(ctx, reason)
	s.cfg.Bus.Publish(bus.TopicIngestRejected, bus.IngestEvent{Reason: reason})
	s.log(ctx).Warn("request rejected", "reason", reason, "subject", subject, "error", err)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			dbOK = false
		}
	}
	fingerprint := ""
	if s.cfg.Fingerprint != nil {
		fingerprint = s.cfg.Fingerprint()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": fingerprint,
		"actor_count":        s.cfg.Dispatcher.Len(),
		"rejected_total":     audit.RejectCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAPIEntities(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": s.cfg.Dispatcher.Snapshot()})
}

func (s *Server) handleAPIRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	rt := s.Routes()
	writeJSON(w, http.StatusOK, map[string]any{
		"inbox":    rt.Inbox,
		"rituals":  rt.Rituals,
		"research": rt.Research,
		"projects": rt.Projects,
		"timezone": rt.location().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
