package contentstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGitHubAPI  = "https://api.github.com"
	githubAPIVersion  = "2022-11-28"
	maxRetryAfterWait = 10 * time.Second
)

// APIError is a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isRefRejected reports whether a ref update was refused because the
// branch is no longer at the expected parent. GitHub answers 422 "Update is
// not a fast forward" for that, and 409 for some concurrent ref writes.
func isRefRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnprocessableEntity || apiErr.StatusCode == http.StatusConflict
}

// GitHubConfig addresses one branch of one repository.
type GitHubConfig struct {
	Owner      string
	Repo       string
	Branch     string
	Token      string
	APIBase    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GitHub is a Backend over the git data API: ref → commit → tree for reads,
// tree → commit → ref update for writes. The ref update uses force=false,
// which is what turns the write into a compare-and-swap.
type GitHub struct {
	owner   string
	repo    string
	branch  string
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github backend: owner and repo are required")
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultGitHubAPI
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		branch:  branch,
		token:   cfg.Token,
		baseURL: base,
		http:    client,
		logger:  logger,
	}, nil
}

func (g *GitHub) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s/%s", url.PathEscape(g.owner), url.PathEscape(g.repo), suffix)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (g *GitHub) Head(ctx context.Context) (Snapshot, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.get(ctx, g.repoPath("git/ref/heads/"+escapePath(g.branch)), &ref); err != nil {
		if IsNotFound(err) {
			return Snapshot{}, fmt.Errorf("branch %s: %w", g.branch, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("read branch %s: %w", g.branch, err)
	}
	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := g.get(ctx, g.repoPath("git/commits/"+ref.Object.SHA), &commit); err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", ref.Object.SHA, err)
	}
	return Snapshot{CommitSHA: ref.Object.SHA, TreeSHA: commit.Tree.SHA}, nil
}

func (g *GitHub) ReadFile(ctx context.Context, at Snapshot, path string) (string, bool, error) {
	endpoint := g.repoPath("contents/" + escapePath(path))
	if at.CommitSHA != "" {
		endpoint += "?ref=" + url.QueryEscape(at.CommitSHA)
	}
	var file struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := g.get(ctx, endpoint, &file); err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	if file.Type != "" && file.Type != "file" {
		return "", false, fmt.Errorf("read %s: not a file (%s)", path, file.Type)
	}
	if file.Encoding != "base64" {
		return file.Content, true, nil
	}
	// GitHub wraps base64 content at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", false, fmt.Errorf("decode %s: %w", path, err)
	}
	return string(raw), true, nil
}

type treeEntry struct {
	Path    string  `json:"path"`
	Mode    string  `json:"mode"`
	Type    string  `json:"type"`
	Content *string `json:"content,omitempty"`
}

func (g *GitHub) Commit(ctx context.Context, parent Snapshot, files []File, message string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("commit: no files")
	}
	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		content := f.Content
		entries = append(entries, treeEntry{Path: f.Path, Mode: "100644", Type: "blob", Content: &content})
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeReq := struct {
		BaseTree string      `json:"base_tree,omitempty"`
		Tree     []treeEntry `json:"tree"`
	}{BaseTree: parent.TreeSHA, Tree: entries}
	if err := g.send(ctx, http.MethodPost, g.repoPath("git/trees"), treeReq, &tree); err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	var commit struct {
		SHA string `json:"sha"`
	}
	commitReq := struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}{Message: message, Tree: tree.SHA, Parents: []string{parent.CommitSHA}}
	if err := g.send(ctx, http.MethodPost, g.repoPath("git/commits"), commitReq, &commit); err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	refReq := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{SHA: commit.SHA}
	if err := g.send(ctx, http.MethodPatch, g.repoPath("git/refs/heads/"+escapePath(g.branch)), refReq, nil); err != nil {
		if isRefRejected(err) {
			return "", fmt.Errorf("update %s to %s: %w (%v)", g.branch, commit.SHA, ErrConflict, err)
		}
		return "", fmt.Errorf("update %s: %w", g.branch, err)
	}
	return commit.SHA, nil
}

func (g *GitHub) get(ctx context.Context, path string, out any) error {
	return g.send(ctx, http.MethodGet, path, nil, out)
}

func (g *GitHub) send(ctx context.Context, method, path string, body, out any) error {
	raw, err := g.do(ctx, method, path, body, false)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("github: decode %s %s: %w", method, path, err)
	}
	return nil
}

// do executes one request. A 429 or a 403 carrying Retry-After is retried
// once after the advertised wait.
func (g *GitHub) do(ctx context.Context, method, path string, body any, retried bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("github: reading response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}

	if !retried && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden) {
		if wait := retryAfter(resp.Header); wait > 0 {
			g.logger.Info("github rate limited, backing off", "duration", wait, "method", method, "path", path)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return g.do(ctx, method, path, body, true)
		}
	}
	return nil, parseAPIError(resp.StatusCode, raw)
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfterWait {
		d = maxRetryAfterWait
	}
	return d
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}
