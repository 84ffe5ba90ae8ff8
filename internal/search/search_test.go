package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeProvider struct {
	name      string
	available bool
	resp      Response
	err       error
	calls     int
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return f.available }
func (f *fakeProvider) Search(context.Context, Request) (Response, error) {
	f.calls++
	return f.resp, f.err
}

func TestRouter_FallsThroughOnError(t *testing.T) {
	skipped := &fakeProvider{name: "a", available: false}
	broken := &fakeProvider{name: "b", available: true, err: errors.New("boom")}
	good := &fakeProvider{name: "c", available: true, resp: Response{Results: []Result{{Title: "t1"}, {Title: "t2"}, {Title: "t3"}}}}

	r := NewRouter([]Provider{skipped, broken, good})
	resp, err := r.Search(context.Background(), Request{Query: " go actors ", MaxResults: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Provider != "c" || len(resp.Results) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if skipped.calls != 0 || broken.calls != 1 || good.calls != 1 {
		t.Fatalf("calls: skipped=%d broken=%d good=%d", skipped.calls, broken.calls, good.calls)
	}
}

func TestRouter_AllFail(t *testing.T) {
	r := NewRouter([]Provider{&fakeProvider{name: "x", available: true, err: errors.New("down")}})
	_, err := r.Search(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("want ErrNoProvider, got %v", err)
	}
	if _, err := r.Search(context.Background(), Request{Query: "  "}); err == nil {
		t.Fatal("empty query should fail")
	}
}

func TestDefaultProviders_PreferredFirst(t *testing.T) {
	ps := DefaultProviders(Keys{Brave: "k"}, "brave")
	if ps[0].Name() != "brave" || len(ps) != 4 {
		t.Fatalf("order = %v", names(ps))
	}
	if ps[len(ps)-1].Name() != "duckduckgo" {
		t.Fatalf("duckduckgo should stay last: %v", names(ps))
	}
}

func names(ps []Provider) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Name())
	}
	return out
}

func TestTavily_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tv-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req tavilyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "sqlite wal" || req.SearchDepth != "advanced" || !req.IncludeAnswer {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"answer":"WAL is a journal mode","results":[{"title":"WAL","url":"https://sqlite.org/wal.html","content":"Write-ahead log","score":0.91}]}`))
	}))
	defer srv.Close()

	tv := NewTavily("tv-key")
	tv.endpoint = srv.URL
	resp, err := tv.Search(context.Background(), Request{Query: "sqlite wal", MaxResults: 3, SearchDepth: "advanced", IncludeAnswer: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Answer != "WAL is a journal mode" || len(resp.Results) != 1 || resp.Results[0].Score != 0.91 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBrave_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()
	b := NewBrave("k")
	b.endpoint = srv.URL
	if _, err := b.Search(context.Background(), Request{Query: "q", MaxResults: 5}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestParseBraveJSON(t *testing.T) {
	resp, err := parseBraveJSON([]byte(`{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"The <strong>Go</strong> language"}]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Content != "The Go language" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestParsePerplexityJSON(t *testing.T) {
	resp, err := parsePerplexityJSON([]byte(`{"choices":[{"message":{"content":"Answer text"}}],"citations":["https://example.com/some-page","https://example.org"]}`), 5)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Answer != "Answer text" || len(resp.Results) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Results[0].Title != "some page (example.com)" || resp.Results[1].Title != "example.org" {
		t.Fatalf("titles = %q, %q", resp.Results[0].Title, resp.Results[1].Title)
	}
}

func TestParseDDGHTML(t *testing.T) {
	body := `<div><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa&amp;rut=x">Example &amp; Co</a>
<a class="result__snippet" href="#">An <b>example</b> page</a></div>`
	results := parseDDGHTML(body, 5)
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.URL != "https://example.com/a" || r.Title != "Example & Co" || r.Content != "An example page" {
		t.Fatalf("result = %+v", r)
	}
}
