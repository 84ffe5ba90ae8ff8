package search

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// DDG scrapes DuckDuckGo's HTML endpoint. It needs no key and is the last
// resort in the default order.
type DDG struct {
	endpoint string
	http     *http.Client
}

func NewDDG() *DDG {
	return &DDG{endpoint: ddgEndpoint, http: newHTTPClient(10 * time.Second)}
}

func (d *DDG) Name() string    { return "duckduckgo" }
func (d *DDG) Available() bool { return true }

func (d *DDG) Search(ctx context.Context, req Request) (Response, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return Response{}, err
	}
	q := u.Query()
	q.Set("q", req.Query)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("User-Agent", "steward/1.0")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, err
	}
	return Response{Results: parseDDGHTML(string(body), req.MaxResults)}, nil
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseDDGHTML(body string, max int) []Result {
	if max <= 0 {
		max = defaultMaxResults
	}
	links := reResultLink.FindAllStringSubmatch(body, 2*max)
	snippets := reResultSnippet.FindAllStringSubmatch(body, 2*max)

	var out []Result
	for i, link := range links {
		rawURL := html.UnescapeString(link[1])
		// Result links go through a redirect carrying the target in uddg.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		content := ""
		if i < len(snippets) {
			content = stripTags(snippets[i][1])
		}
		out = append(out, Result{Title: stripTags(link[2]), URL: rawURL, Content: content})
		if len(out) >= max {
			break
		}
	}
	return out
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(reTag.ReplaceAllString(s, "")))
}
