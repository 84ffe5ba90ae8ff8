package research

import "strings"

// Stage is one step of a pipeline run.
type Stage string

const (
	StagePlan         Stage = "plan"
	StageSearch       Stage = "search"
	StageEvaluate     Stage = "evaluate"
	StageSynthesize   Stage = "synthesize"
	StageQuality      Stage = "quality"
	StageResynthesize Stage = "resynthesize"
	StageDeliver      Stage = "deliver"
)

// gapCap is the follow-up query cap for the gap round that comes after
// search round n (1-based). Zero means no more rounds.
func (l Limits) gapCap(n int) int {
	gap := n // the gap round about to run
	if gap > l.MaxGapRounds {
		return 0
	}
	if gap == 1 {
		return l.FirstGapQueries
	}
	return l.LaterGapQueries
}

// afterEvaluate decides what follows the evaluation of search round n.
// It returns StageSearch with the next batch, or StageSynthesize.
func (l Limits) afterEvaluate(n int, ev Evaluation, query string, findings int) (Stage, []string) {
	if ev.Complete {
		return StageSynthesize, nil
	}
	limit := l.gapCap(n)
	if limit <= 0 {
		return StageSynthesize, nil
	}
	next := ev.FollowUps
	if len(next) == 0 {
		next = ev.Gaps
	}
	if len(next) == 0 && findings == 0 {
		// nothing came back at all; try the request itself again
		next = []string{query}
	}
	next = cleanQueries(next, limit)
	if len(next) == 0 {
		return StageSynthesize, nil
	}
	return StageSearch, next
}

// afterSynthesize reports whether a quality check should run.
func afterSynthesize(findings int, fellBack bool) Stage {
	if findings == 0 || fellBack {
		return StageDeliver
	}
	return StageQuality
}

// afterQuality allows exactly one resynthesis, and only for a low score
// that comes with something to fix.
func (l Limits) afterQuality(q Quality, resynthesized bool) Stage {
	if resynthesized {
		return StageDeliver
	}
	if q.Score < l.QualityThreshold && len(q.Issues) > 0 {
		return StageResynthesize
	}
	return StageDeliver
}

// cleanQueries trims, drops blanks and case-insensitive repeats, and caps
// the batch at limit.
func cleanQueries(qs []string, limit int) []string {
	seen := make(map[string]bool, len(qs))
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		q = strings.TrimSpace(q)
		k := strings.ToLower(q)
		if q == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, q)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
