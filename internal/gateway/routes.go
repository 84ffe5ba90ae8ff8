package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/config"
	"github.com/basket/go-steward/internal/ritual"
)

// Routes is the channel routing table. It is replaced whole on config
// reload, never edited in place.
type Routes struct {
	Inbox    string
	Rituals  string
	Research string
	// Projects maps a channel id to a project slug.
	Projects map[string]string
	Location *time.Location
}

// RoutesFromConfig builds the table from the channels and projects sections.
func RoutesFromConfig(cfg config.Config) Routes {
	projects := make(map[string]string, len(cfg.Projects))
	for ch, slug := range cfg.Projects {
		projects[ch] = slug
	}
	return Routes{
		Inbox:    cfg.Channels.Inbox,
		Rituals:  cfg.Channels.Rituals,
		Research: cfg.Channels.Research,
		Projects: projects,
		Location: cfg.Location(),
	}
}

// ProjectFor returns the project slug bound to channel, or "".
func (r *Routes) ProjectFor(channel string) string {
	if r == nil {
		return ""
	}
	return r.Projects[channel]
}

func (r *Routes) location() *time.Location {
	if r == nil || r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func commandName(cmd string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd), "/"))
}

// resolve picks the entity key for in. A bound thread wins over everything;
// then commands, then the channel table. An empty key comes with the reason
// the event is dropped.
func (s *Server) resolve(ctx context.Context, in Inbound, traceID string) (key, reason string) {
	rt := s.routes.Load()
	if in.ThreadTS != "" && s.cfg.Threads != nil {
		k, ok, err := s.cfg.Threads.ResolveThread(ctx, in.ChannelID, in.ThreadTS)
		switch {
		case err != nil:
			s.log(ctx).Warn("thread alias lookup failed", "channel_id", in.ChannelID, "thread_ts", in.ThreadTS, "error", err)
		case ok:
			return k, ""
		}
	}

	switch in.Class {
	case ClassCommand:
		switch commandName(in.Command) {
		case "ritual":
			return ritual.EntityKey(ritual.ParseType(in.Text), s.now().In(rt.location())), ""
		case "research":
			return actor.ResearchKey(traceID), ""
		}
		if slug := rt.ProjectFor(in.ChannelID); slug != "" {
			return actor.ProjectKey(slug), ""
		}
		return actor.InboxKey, ""
	case ClassInteractive:
		return "", "unbound_thread"
	}

	thread := in.ThreadTS
	if thread == "" {
		thread = in.TS
	}
	switch {
	case rt == nil:
		return "", "no_routes"
	case rt.Rituals != "" && in.ChannelID == rt.Rituals:
		return actor.RitualKey(thread), ""
	case rt.Research != "" && in.ChannelID == rt.Research:
		return actor.ResearchKey(thread), ""
	case rt.ProjectFor(in.ChannelID) != "":
		return actor.ProjectKey(rt.ProjectFor(in.ChannelID)), ""
	case in.ChannelID == rt.Inbox, strings.HasPrefix(in.ChannelID, "D"):
		return actor.InboxKey, ""
	}
	return "", "unrouted_channel"
}
