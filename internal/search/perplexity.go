package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const perplexityEndpoint = "https://api.perplexity.ai/chat/completions"

// Perplexity implements Provider with the Sonar chat API. The answer text
// becomes Response.Answer and citations become results.
type Perplexity struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

func NewPerplexity(apiKey string) *Perplexity {
	return &Perplexity{apiKey: apiKey, endpoint: perplexityEndpoint, http: newHTTPClient(20 * time.Second)}
}

func (p *Perplexity) Name() string    { return "perplexity" }
func (p *Perplexity) Available() bool { return p.apiKey != "" }

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

func (p *Perplexity) Search(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(perplexityRequest{
		Model: "sonar",
		Messages: []perplexityMessage{
			{Role: "system", Content: "Be precise and concise. Provide factual search results with sources."},
			{Role: "user", Content: req.Query},
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal perplexity request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("perplexity API returned %d: %s", resp.StatusCode, string(msg))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, err
	}
	return parsePerplexityJSON(data, req.MaxResults)
}

func parsePerplexityJSON(data []byte, max int) (Response, error) {
	var raw perplexityResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, fmt.Errorf("parse perplexity response: %w", err)
	}
	if max <= 0 {
		max = defaultMaxResults
	}
	var out Response
	if len(raw.Choices) > 0 {
		out.Answer = raw.Choices[0].Message.Content
	}
	for i, citation := range raw.Citations {
		if i >= max {
			break
		}
		content := ""
		if i == 0 {
			content = trimSnippet(out.Answer, 500)
		}
		out.Results = append(out.Results, Result{Title: citationTitle(citation), URL: citation, Content: content})
	}
	if len(out.Results) == 0 && out.Answer != "" {
		out.Results = append(out.Results, Result{Title: "Perplexity answer", Content: out.Answer})
	}
	return out, nil
}

// citationTitle derives a display title from a citation URL.
func citationTitle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	path := strings.TrimRight(u.Path, "/")
	if path == "" {
		return u.Host
	}
	parts := strings.Split(path, "/")
	return strings.ReplaceAll(parts[len(parts)-1], "-", " ") + " (" + u.Host + ")"
}
