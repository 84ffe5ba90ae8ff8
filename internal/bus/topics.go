package bus

import "time"

// Ingestion topics.
const (
	TopicIngestAccepted = "ingest.accepted"
	TopicIngestRejected = "ingest.rejected"
	TopicIngestDropped  = "ingest.dropped"
)

// Actor topics.
const (
	TopicActorStep      = "actor.step"
	TopicActorDuplicate = "actor.duplicate"
	TopicActorDegraded  = "actor.degraded"
)

// Content store topics.
const (
	TopicStoreCommitted = "store.committed"
	TopicStoreConflict  = "store.conflict"
)

// Ritual and research milestones.
const (
	TopicRitualPhase       = "ritual.phase"
	TopicRitualCommitted   = "ritual.committed"
	TopicRitualAbandoned   = "ritual.abandoned"
	TopicResearchStage     = "research.stage"
	TopicResearchDelivered = "research.delivered"
)

const TopicConfigReloaded = "config.reloaded"

// IngestEvent describes one classification decision by the router.
type IngestEvent struct {
	Kind      string `json:"kind"`
	EntityKey string `json:"entity_key,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ActorStepEvent is published after an actor finishes one event.
type ActorStepEvent struct {
	EntityKey string        `json:"entity_key"`
	EventID   string        `json:"event_id"`
	TraceID   string        `json:"trace_id"`
	Duration  time.Duration `json:"duration"`
	Replies   int           `json:"replies"`
	Commits   int           `json:"commits"`
	Degraded  bool          `json:"degraded"`
}

// DegradedEvent records a capability failure that was absorbed locally.
type DegradedEvent struct {
	EntityKey string `json:"entity_key"`
	TraceID   string `json:"trace_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// CommitEvent is published for every content store commit and conflict.
type CommitEvent struct {
	SHA      string   `json:"sha,omitempty"`
	Files    []string `json:"files"`
	Message  string   `json:"message"`
	TraceID  string   `json:"trace_id"`
	Attempts int      `json:"attempts"`
}

type RitualPhaseEvent struct {
	EntityKey  string `json:"entity_key"`
	RitualType string `json:"ritual_type"`
	From       string `json:"from"`
	To         string `json:"to"`
	Signal     string `json:"signal,omitempty"`
}

type RitualCommittedEvent struct {
	EntityKey  string   `json:"entity_key"`
	RitualType string   `json:"ritual_type"`
	TraceID    string   `json:"trace_id"`
	SHA        string   `json:"sha"`
	Files      []string `json:"files"`
}

type ResearchStageEvent struct {
	EntityKey string `json:"entity_key"`
	Stage     string `json:"stage"`
	Round     int    `json:"round"`
	Queries   int    `json:"queries,omitempty"`
}

type ResearchDeliveredEvent struct {
	EntityKey string  `json:"entity_key"`
	Query     string  `json:"query"`
	TraceID   string  `json:"trace_id"`
	SHA       string  `json:"sha,omitempty"`
	LogPath   string  `json:"log_path"`
	Findings  int     `json:"findings"`
	Quality   float64 `json:"quality"`
}

type ConfigReloadedEvent struct {
	Fingerprint string `json:"fingerprint"`
	Projects    int    `json:"projects"`
}
