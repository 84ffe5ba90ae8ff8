package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// streamEvent is one bus event as sent to operators.
type streamEvent struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// topicPrefix reads ?topics=, defaulting to everything.
func topicPrefix(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("topics"))
}

// handleWS streams bus events over a websocket. Clients only read; anything
// they send is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if s.cfg.Bus == nil {
		conn.Close(websocket.StatusTryAgainLater, "no event bus")
		return
	}
	sub := s.cfg.Bus.Subscribe(topicPrefix(r))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.log(ctx).Info("event stream opened", "topics", topicPrefix(r))
	for {
		select {
		case <-ctx.Done():
			s.log(ctx).Info("event stream closed")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, streamEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.log(ctx).Warn("event stream write failed", "error", err)
				return
			}
		}
	}
}

// handleSSE is the same stream as server-sent events, for curl and
// browsers without websocket support.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.cfg.Bus == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := s.cfg.Bus.Subscribe(topicPrefix(r))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}
