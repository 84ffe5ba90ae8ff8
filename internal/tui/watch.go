// Package tui is the `steward watch` live view: the actor table from
// /api/entities plus a feed of bus events from /ws.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-steward/internal/actor"
)

const (
	refreshEvery = 2 * time.Second
	feedSize     = 12
)

// StreamEvent is one frame of the daemon's /ws stream.
type StreamEvent struct {
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Source feeds the view.
type Source interface {
	Entities(ctx context.Context) ([]actor.Snapshot, error)
	Events(ctx context.Context) (<-chan StreamEvent, error)
}

// HTTPSource reads a running daemon's operator API.
type HTTPSource struct {
	Base  string // e.g. http://127.0.0.1:18790
	Token string
	HTTP  *http.Client
}

func (s HTTPSource) header() http.Header {
	h := http.Header{}
	if s.Token != "" {
		h.Set("Authorization", "Bearer "+s.Token)
	}
	return h
}

func (s HTTPSource) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (s HTTPSource) Entities(ctx context.Context) ([]actor.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.Base, "/")+"/api/entities", nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.header()
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entities: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Entities []actor.Snapshot `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("entities: decode: %w", err)
	}
	return out.Entities, nil
}

// Events dials /ws. The channel closes when the stream ends.
func (s HTTPSource) Events(ctx context.Context) (<-chan StreamEvent, error) {
	u := strings.TrimRight(s.Base, "/") + "/ws"
	u = "ws" + strings.TrimPrefix(u, "http")
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: s.header()})
	if err != nil {
		return nil, fmt.Errorf("event stream: %w", err)
	}
	ch := make(chan StreamEvent, 32)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var ev StreamEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type (
	tickMsg     time.Time
	entitiesMsg struct {
		list []actor.Snapshot
		err  error
	}
	streamMsg struct {
		ch  <-chan StreamEvent
		err error
	}
	eventMsg     StreamEvent
	streamEndMsg struct{}
)

type model struct {
	ctx      context.Context
	src      Source
	entities []actor.Snapshot
	feed     []string
	events   <-chan StreamEvent
	lastErr  string
	live     bool
	now      func() time.Time
}

func newModel(ctx context.Context, src Source) model {
	return model{ctx: ctx, src: src, now: time.Now}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetchEntities() tea.Msg {
	list, err := m.src.Entities(m.ctx)
	return entitiesMsg{list: list, err: err}
}

func (m model) openStream() tea.Msg {
	ch, err := m.src.Events(m.ctx)
	return streamMsg{ch: ch, err: err}
}

func waitEvent(ch <-chan StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return eventMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchEntities, m.openStream, tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetchEntities, tickCmd())
	case entitiesMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.lastErr = ""
		m.entities = msg.list
		sort.Slice(m.entities, func(i, j int) bool { return m.entities[i].Key < m.entities[j].Key })
	case streamMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.events = msg.ch
		m.live = true
		return m, waitEvent(m.events)
	case eventMsg:
		m.feed = append(m.feed, feedLine(StreamEvent(msg)))
		if len(m.feed) > feedSize {
			m.feed = m.feed[len(m.feed)-feedSize:]
		}
		return m, waitEvent(m.events)
	case streamEndMsg:
		m.live = false
		m.events = nil
	}
	return m, nil
}

// feedLine renders one stream frame as "15:04:05 topic entity".
func feedLine(ev StreamEvent) string {
	var p struct {
		EntityKey string `json:"entity_key"`
	}
	_ = json.Unmarshal(ev.Payload, &p)
	line := ev.At.Local().Format("15:04:05") + " " + ev.Topic
	if p.EntityKey != "" {
		line += " " + p.EntityKey
	}
	return line
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m model) View() string {
	var b strings.Builder
	state := dimStyle.Render("stream offline")
	if m.live {
		state = busyStyle.Render("live")
	}
	b.WriteString(titleStyle.Render("Steward") + "  " + state + "\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-36s %5s %5s %9s %7s %s", "ENTITY", "QUEUE", "BUSY", "PROCESSED", "SESSION", "LAST")) + "\n")
	if len(m.entities) == 0 {
		b.WriteString(dimStyle.Render("(no live actors)") + "\n")
	}
	for _, e := range m.entities {
		busy, session, last := "-", "-", "-"
		if e.Busy {
			busy = "yes"
		}
		if e.HasSession {
			session = "yes"
		}
		if !e.LastActivity.IsZero() {
			last = m.now().Sub(e.LastActivity).Truncate(time.Second).String() + " ago"
		}
		row := fmt.Sprintf("%-36s %5d %5s %9d %7s %s", e.Key, e.QueueDepth, busy, e.Processed, session, last)
		if e.Busy {
			row = busyStyle.Render(row)
		}
		b.WriteString(row + "\n")
	}

	b.WriteString("\n" + headerStyle.Render("EVENTS") + "\n")
	for _, line := range m.feed {
		b.WriteString(line + "\n")
	}
	if m.lastErr != "" {
		b.WriteString("\n" + errStyle.Render("error: "+m.lastErr) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

// Run shows the live view until q or ctx is done.
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(newModel(ctx, src), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
