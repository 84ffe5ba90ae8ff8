package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave implements Provider using the Brave Search API.
type Brave struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

func NewBrave(apiKey string) *Brave {
	return &Brave{apiKey: apiKey, endpoint: braveEndpoint, http: newHTTPClient(10 * time.Second)}
}

func (b *Brave) Name() string    { return "brave" }
func (b *Brave) Available() bool { return b.apiKey != "" }

func (b *Brave) Search(ctx context.Context, req Request) (Response, error) {
	u := b.endpoint + "?q=" + url.QueryEscape(req.Query) + "&count=" + strconv.Itoa(req.MaxResults)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, string(msg))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, err
	}
	return parseBraveJSON(data)
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func parseBraveJSON(data []byte) (Response, error) {
	var raw braveResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return Response{}, fmt.Errorf("parse brave response: %w", err)
	}
	var out Response
	for _, r := range raw.Web.Results {
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Content: stripTags(r.Description)})
	}
	return out, nil
}
