package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily implements Provider with the Tavily search API, the only provider
// that honors search depth and returns a synthesized answer.
type Tavily struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

func NewTavily(apiKey string) *Tavily {
	return &Tavily{apiKey: apiKey, endpoint: tavilyEndpoint, http: newHTTPClient(20 * time.Second)}
}

func (t *Tavily) Name() string    { return "tavily" }
func (t *Tavily) Available() bool { return t.apiKey != "" }

type tavilyRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth,omitempty"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:         req.Query,
		MaxResults:    req.MaxResults,
		SearchDepth:   req.SearchDepth,
		IncludeAnswer: req.IncludeAnswer,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal tavily request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("tavily API returned %d: %s", resp.StatusCode, string(msg))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, err
	}
	return parseTavilyJSON(data)
}

func parseTavilyJSON(data []byte) (Response, error) {
	var raw tavilyResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, fmt.Errorf("parse tavily response: %w", err)
	}
	out := Response{Answer: raw.Answer}
	for _, r := range raw.Results {
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Content: r.Content, Score: r.Score})
	}
	return out, nil
}
