package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-steward/internal/bus"
	"github.com/basket/go-steward/internal/llm"
	"github.com/basket/go-steward/internal/otel"
	"github.com/basket/go-steward/internal/search"
	"github.com/basket/go-steward/internal/telemetry"
)

// Request is one pipeline run.
type Request struct {
	EntityKey string
	Query     string
	// FollowUp is the newest question in an existing thread.
	FollowUp   string
	Context    string
	Transcript string
	// Prior findings from earlier runs in the same thread. They are kept
	// and never pruned.
	Prior []Finding
}

// Outcome is what a run produced. Synthesis is always set.
type Outcome struct {
	Plan          Plan
	Findings      []Finding
	NewFindings   int
	Synthesis     Synthesis
	Quality       *Quality
	Resynthesized bool
	SearchRounds  int
	Evaluations   int
	// Fallbacks names the stages that degraded to a default.
	Fallbacks []Stage
}

// Degraded reports whether any stage fell back.
func (o *Outcome) Degraded() bool { return len(o.Fallbacks) > 0 }

// Pipeline runs the bounded research sequence.
type Pipeline struct {
	LLM     llm.Client
	Search  search.Client
	Limits  Limits
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Run executes plan, search, evaluate, gap rounds, synthesis and the
// quality check. It never returns without a synthesis; capability failures
// degrade to conservative defaults and are listed in Outcome.Fallbacks.
func (p *Pipeline) Run(ctx context.Context, req Request) *Outcome {
	log := telemetry.FromContext(ctx, p.Logger)
	out := &Outcome{Findings: append([]Finding(nil), req.Prior...)}
	seen := make(map[string]bool, len(out.Findings))
	for _, f := range out.Findings {
		if f.URL != "" {
			seen[f.URL] = true
		}
	}

	ctx, span := otel.StartSpan(ctx, p.Tracer, "research.run", otel.AttrEntityKey.String(req.EntityKey))
	defer func() {
		p.Metrics.ResearchRun(ctx, out.SearchRounds)
		otel.EndSpan(span, nil)
	}()

	out.Plan = p.plan(ctx, req, out)
	queries := out.Plan.Queries
	round := 0
	for len(queries) > 0 {
		round++
		out.SearchRounds = round
		out.NewFindings += p.search(ctx, req.EntityKey, round, queries, out, seen)

		ev := p.evaluate(ctx, req, round, out)
		out.Evaluations++
		var next Stage
		next, queries = p.Limits.afterEvaluate(round, ev, req.Query, len(out.Findings))
		if next != StageSearch {
			break
		}
		log.Info("research gap round", "round", round+1, "queries", len(queries), "gaps", len(ev.Gaps))
	}

	fellBack := p.synthesize(ctx, req, out, nil)
	if afterSynthesize(len(out.Findings), fellBack) == StageQuality {
		q, ok := p.quality(ctx, req, out)
		if ok {
			out.Quality = &q
		}
		if ok && p.Limits.afterQuality(q, false) == StageResynthesize {
			log.Info("research resynthesis", "score", q.Score, "issues", len(q.Issues))
			out.Resynthesized = true
			p.synthesize(ctx, req, out, q.Issues)
		}
	}
	p.stage(req.EntityKey, StageDeliver, round, 0)
	log.Info("research run finished",
		"rounds", out.SearchRounds, "findings", len(out.Findings), "new_findings", out.NewFindings,
		"resynthesized", out.Resynthesized, "fallbacks", len(out.Fallbacks))
	return out
}

func (p *Pipeline) plan(ctx context.Context, req Request, out *Outcome) Plan {
	p.stage(req.EntityKey, StagePlan, 0, 0)
	ctx, span := p.startStage(ctx, StagePlan, 0)
	var plan Plan
	err := planSchema.Complete(ctx, p.LLM, planSystem, planPrompt(req), &plan)
	otel.EndSpan(span, err)

	seed := req.Query
	if f := strings.TrimSpace(req.FollowUp); f != "" {
		seed = f
	}
	if err != nil {
		telemetry.FromContext(ctx, p.Logger).Warn("research plan failed, using the request as the only query",
			"error", err, "error_class", string(llm.ClassifyError(err)))
		out.Fallbacks = append(out.Fallbacks, StagePlan)
		return Plan{Queries: cleanQueries([]string{seed}, 1)}
	}
	plan.Queries = cleanQueries(plan.Queries, p.Limits.MaxPlanQueries)
	if len(plan.Queries) == 0 {
		plan.Queries = cleanQueries([]string{seed}, 1)
	}
	return plan
}

// search fans the batch out with bounded parallelism. A failing query
// contributes nothing; its siblings are unaffected. New findings are
// appended in query order, skipping URLs already held.
func (p *Pipeline) search(ctx context.Context, key string, round int, queries []string, out *Outcome, seen map[string]bool) int {
	p.stage(key, StageSearch, round, len(queries))
	ctx, span := p.startStage(ctx, StageSearch, round)
	defer otel.EndSpan(span, nil)
	log := telemetry.FromContext(ctx, p.Logger)

	results := make([][]search.Result, len(queries))
	var g errgroup.Group
	g.SetLimit(max(p.Limits.Parallelism, 1))
	for i, q := range queries {
		g.Go(func() error {
			resp, err := p.Search.Search(ctx, search.Request{
				Query:       q,
				MaxResults:  p.Limits.MaxResults,
				SearchDepth: p.Limits.SearchDepth,
			})
			if err != nil {
				log.Warn("research query failed", "round", round, "query", q, "error", err)
				return nil
			}
			results[i] = resp.Results
			return nil
		})
	}
	_ = g.Wait()

	added := 0
	for i, rs := range results {
		for _, r := range rs {
			if r.URL != "" {
				if seen[r.URL] {
					continue
				}
				seen[r.URL] = true
			}
			out.Findings = append(out.Findings, Finding{
				Query: queries[i], Title: r.Title, URL: r.URL, Content: r.Content, Score: r.Score, Round: round,
			})
			added++
		}
	}
	log.Debug("research search round done", "round", round, "queries", len(queries), "added", added)
	return added
}

// evaluate asks the model only when there are both criteria and findings.
// Otherwise the round is complete iff anything was found. A failed call
// counts as complete.
func (p *Pipeline) evaluate(ctx context.Context, req Request, round int, out *Outcome) Evaluation {
	p.stage(req.EntityKey, StageEvaluate, round, 0)
	if len(out.Plan.Criteria) == 0 || len(out.Findings) == 0 {
		return Evaluation{Complete: len(out.Findings) > 0}
	}
	ctx, span := p.startStage(ctx, StageEvaluate, round)
	var ev Evaluation
	err := evaluateSchema.Complete(ctx, p.LLM, evaluateSystem, evaluatePrompt(req.Query, out.Plan.Criteria, out.Findings), &ev)
	otel.EndSpan(span, err)
	if err != nil {
		telemetry.FromContext(ctx, p.Logger).Warn("research evaluation failed, assuming complete",
			"round", round, "error", err, "error_class", string(llm.ClassifyError(err)))
		out.Fallbacks = append(out.Fallbacks, StageEvaluate)
		return Evaluation{Complete: true}
	}
	return ev
}

// synthesize replaces out.Synthesis. Zero findings give the canned empty
// brief without a model call. It reports whether it fell back.
func (p *Pipeline) synthesize(ctx context.Context, req Request, out *Outcome, feedback []string) bool {
	stage := StageSynthesize
	if feedback != nil {
		stage = StageResynthesize
	}
	p.stage(req.EntityKey, stage, out.SearchRounds, 0)
	if len(out.Findings) == 0 {
		out.Synthesis = emptySynthesis(req.Query)
		return true
	}
	ctx, span := p.startStage(ctx, stage, out.SearchRounds)
	var s Synthesis
	err := synthesisSchema.Complete(ctx, p.LLM, synthesizeSystem, synthesizePrompt(req, out.Plan, out.Findings, feedback), &s)
	otel.EndSpan(span, err)
	if err == nil && strings.TrimSpace(s.Summary) == "" {
		err = fmt.Errorf("research: empty summary")
	}
	if err != nil {
		telemetry.FromContext(ctx, p.Logger).Warn("research synthesis failed, listing sources instead",
			"stage", string(stage), "error", err, "error_class", string(llm.ClassifyError(err)))
		out.Fallbacks = append(out.Fallbacks, stage)
		if feedback == nil {
			out.Synthesis = fallbackSynthesis(req.Query, out.Findings)
		}
		return true
	}
	out.Synthesis = s
	return false
}

// quality scores the synthesis once. A failed call counts as passing.
func (p *Pipeline) quality(ctx context.Context, req Request, out *Outcome) (Quality, bool) {
	p.stage(req.EntityKey, StageQuality, out.SearchRounds, 0)
	ctx, span := p.startStage(ctx, StageQuality, out.SearchRounds)
	var q Quality
	err := qualitySchema.Complete(ctx, p.LLM, qualitySystem, qualityPrompt(req.Query, out.Synthesis), &q)
	otel.EndSpan(span, err)
	if err != nil {
		telemetry.FromContext(ctx, p.Logger).Warn("research quality check failed, assuming it passes",
			"error", err, "error_class", string(llm.ClassifyError(err)))
		out.Fallbacks = append(out.Fallbacks, StageQuality)
		return Quality{}, false
	}
	return q, true
}

func (p *Pipeline) startStage(ctx context.Context, s Stage, round int) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, p.Tracer, "research."+string(s),
		otel.AttrStage.String(string(s)),
		otel.AttrRound.Int(round),
	)
}

func (p *Pipeline) stage(key string, s Stage, round, queries int) {
	p.Bus.Publish(bus.TopicResearchStage, bus.ResearchStageEvent{
		EntityKey: key, Stage: string(s), Round: round, Queries: queries,
	})
}

func emptySynthesis(query string) Synthesis {
	return Synthesis{
		Summary: fmt.Sprintf("I couldn't find any sources for %q. Try rephrasing the question or narrowing it down.", query),
	}
}

// fallbackSynthesis lists the strongest findings when the model can't
// write a brief.
func fallbackSynthesis(query string, findings []Finding) Synthesis {
	s := Synthesis{
		Summary: fmt.Sprintf("I found %d sources for %q but couldn't write a summary. The top results are listed below.", len(findings), query),
	}
	for i, f := range findings {
		if i == 5 {
			break
		}
		title := f.Title
		if title == "" {
			title = f.URL
		}
		s.KeyPoints = append(s.KeyPoints, title)
		if f.URL != "" {
			s.SourcesToCite = append(s.SourcesToCite, f.URL)
		}
	}
	return s
}
