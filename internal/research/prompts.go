package research

import (
	"fmt"
	"strings"
)

const planSystem = `You plan web research. Turn the request into 2 or 3 targeted search queries, describe the output format the answer should take, and list the criteria a complete answer must meet.
Answer with one JSON object: {"queries": [string], "output_format": string, "completeness_criteria": [string]}.`

const evaluateSystem = `You check research findings against completeness criteria. Decide whether the findings satisfy every criterion. When they do not, name the gaps and suggest follow-up search queries that would close them.
Answer with one JSON object: {"complete": bool, "gaps": [string], "follow_up_queries": [string]}.`

const synthesizeSystem = `You write research briefs. Compress the findings into a short summary, the key points, concrete recommendations, and the source URLs worth citing. Use only what the findings support. Take the user and project context into account when it is given.
Answer with one JSON object: {"summary": string, "key_points": [string], "recommendations": [string], "sources_to_cite": [string]}.`

const qualitySystem = `You review research briefs. Score how well the brief answers the original request from 0.0 to 1.0 and list concrete issues: unsupported claims, missing parts of the request, or vague recommendations.
Answer with one JSON object: {"score": number, "issues": [string]}.`

// maxSnippet bounds each finding's text in prompts.
const maxSnippet = 600

func planPrompt(r Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", r.Query)
	if f := strings.TrimSpace(r.FollowUp); f != "" {
		fmt.Fprintf(&b, "\nFollow-up question:\n%s\n", f)
	}
	if t := strings.TrimSpace(r.Transcript); t != "" {
		fmt.Fprintf(&b, "\nThread so far:\n%s\n", t)
	}
	return b.String()
}

func evaluatePrompt(query string, criteria []string, findings []Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\nCriteria:\n", query)
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nFindings:\n")
	writeFindings(&b, findings)
	return b.String()
}

func synthesizePrompt(r Request, plan Plan, findings []Finding, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n", r.Query)
	if f := strings.TrimSpace(r.FollowUp); f != "" {
		fmt.Fprintf(&b, "\nFollow-up question (answer this first):\n%s\n", f)
	}
	if plan.OutputFormat != "" {
		fmt.Fprintf(&b, "\nOutput format:\n%s\n", plan.OutputFormat)
	}
	if c := strings.TrimSpace(r.Context); c != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", c)
	}
	if t := strings.TrimSpace(r.Transcript); t != "" {
		fmt.Fprintf(&b, "\nThread so far:\n%s\n", t)
	}
	if len(feedback) > 0 {
		b.WriteString("\nA reviewer found these issues with the previous brief. Fix them:\n")
		for _, is := range feedback {
			fmt.Fprintf(&b, "- %s\n", is)
		}
	}
	b.WriteString("\nFindings:\n")
	writeFindings(&b, findings)
	return b.String()
}

func qualityPrompt(query string, s Synthesis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\nBrief:\n", query)
	b.WriteString(renderSynthesis(s, false))
	return b.String()
}

func writeFindings(b *strings.Builder, findings []Finding) {
	for i, f := range findings {
		fmt.Fprintf(b, "[%d] %s\n%s\n%s\n\n", i+1, f.Title, f.URL, snippet(f.Content, maxSnippet))
	}
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut < max/2 {
		cut = max
	}
	return s[:cut] + "..."
}
