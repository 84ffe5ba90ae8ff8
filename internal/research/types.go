// Package research runs a bounded research pipeline: plan, concurrent
// search, evaluate, at most two gap-filling rounds, synthesize, one quality
// check with at most one resynthesis, then deliver.
package research

import (
	"time"

	"github.com/basket/go-steward/internal/llm"
)

// Finding is one search result kept as evidence. Findings only accumulate.
type Finding struct {
	Query   string  `json:"query"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
	Round   int     `json:"round"`
}

// Plan is the search plan for one run.
type Plan struct {
	Queries      []string `json:"queries"`
	OutputFormat string   `json:"output_format"`
	Criteria     []string `json:"completeness_criteria"`
}

type Evaluation struct {
	Complete  bool     `json:"complete"`
	Gaps      []string `json:"gaps"`
	FollowUps []string `json:"follow_up_queries"`
}

type Synthesis struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points"`
	Recommendations []string `json:"recommendations"`
	SourcesToCite   []string `json:"sources_to_cite"`
}

type Quality struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// Limits bound every loop in the pipeline.
type Limits struct {
	MaxPlanQueries   int
	MaxGapRounds     int
	FirstGapQueries  int
	LaterGapQueries  int
	QualityThreshold float64
	MaxResults       int
	SearchDepth      string
	Parallelism      int
}

// DefaultLimits are the production bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxPlanQueries:   3,
		MaxGapRounds:     2,
		FirstGapQueries:  3,
		LaterGapQueries:  2,
		QualityThreshold: 0.7,
		MaxResults:       5,
		SearchDepth:      "advanced",
		Parallelism:      4,
	}
}

// Message is one line of a research thread transcript.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Thread statuses.
const (
	StatusRunning   = "running"
	StatusDelivered = "delivered"
	StatusDegraded  = "degraded"
)

// Thread is the durable state of one research thread.
type Thread struct {
	Query     string     `json:"query"`
	Scope     string     `json:"scope,omitempty"` // project slug, if any
	Findings  []Finding  `json:"findings"`
	Messages  []Message  `json:"messages"`
	Synthesis *Synthesis `json:"synthesis,omitempty"`
	Status    string     `json:"status"`
	Channel   string     `json:"channel"`
	ThreadTS  string     `json:"thread_ts"`
	LogPath   string     `json:"log_path,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Runs      int        `json:"runs"`
}

var (
	planSchema = llm.MustSchema("research_plan", `{
  "type": "object",
  "required": ["queries"],
  "properties": {
    "queries": {"type": "array", "items": {"type": "string"}},
    "output_format": {"type": "string"},
    "completeness_criteria": {"type": "array", "items": {"type": "string"}}
  }
}`)
	evaluateSchema = llm.MustSchema("research_evaluate", `{
  "type": "object",
  "required": ["complete"],
  "properties": {
    "complete": {"type": "boolean"},
    "gaps": {"type": "array", "items": {"type": "string"}},
    "follow_up_queries": {"type": "array", "items": {"type": "string"}}
  }
}`)
	synthesisSchema = llm.MustSchema("research_synthesis", `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "key_points": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "sources_to_cite": {"type": "array", "items": {"type": "string"}}
  }
}`)
	qualitySchema = llm.MustSchema("research_quality", `{
  "type": "object",
  "required": ["score"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "issues": {"type": "array", "items": {"type": "string"}}
  }
}`)
)
