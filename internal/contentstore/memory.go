package contentstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

type memCommit struct {
	sha     string
	parent  string
	message string
	changed []string
	files   map[string]string
}

// CommitInfo describes one commit held by a Memory backend.
type CommitInfo struct {
	SHA     string
	Parent  string
	Message string
	Files   []string
}

// Memory is an in-process Backend with full commit history. It is used by
// the memory content_store backend and by tests that need to read the tree
// as of any commit.
type Memory struct {
	mu      sync.Mutex
	commits []memCommit
	index   map[string]int
}

// NewMemory returns a backend whose branch starts at an empty root commit.
func NewMemory() *Memory {
	root := memCommit{sha: memSHA("", "root", nil), message: "root", files: map[string]string{}}
	return &Memory{
		commits: []memCommit{root},
		index:   map[string]int{root.sha: 0},
	}
}

func memSHA(parent, message string, files []File) string {
	h := sha1.New()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(message))
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write([]byte(f.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Memory) head() memCommit {
	return m.commits[len(m.commits)-1]
}

func (m *Memory) Head(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.head()
	return Snapshot{CommitSHA: h.sha, TreeSHA: h.sha}, nil
}

func (m *Memory) ReadFile(_ context.Context, at Snapshot, path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.head()
	if at.CommitSHA != "" {
		i, ok := m.index[at.CommitSHA]
		if !ok {
			return "", false, fmt.Errorf("commit %s: %w", at.CommitSHA, ErrNotFound)
		}
		c = m.commits[i]
	}
	content, ok := c.files[path]
	return content, ok, nil
}

func (m *Memory) Commit(_ context.Context, parent Snapshot, files []File, message string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("commit: no files")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.head()
	if parent.CommitSHA != h.sha {
		return "", fmt.Errorf("parent %s is not head %s: %w", parent.CommitSHA, h.sha, ErrConflict)
	}
	next := make(map[string]string, len(h.files)+len(files))
	for k, v := range h.files {
		next[k] = v
	}
	changed := make([]string, 0, len(files))
	for _, f := range files {
		next[f.Path] = f.Content
		changed = append(changed, f.Path)
	}
	sha := memSHA(h.sha, message, files)
	m.index[sha] = len(m.commits)
	m.commits = append(m.commits, memCommit{sha: sha, parent: h.sha, message: message, changed: changed, files: next})
	return sha, nil
}

// Seed commits files directly on top of head.
func (m *Memory) Seed(files map[string]string) string {
	list := make([]File, 0, len(files))
	for p, c := range files {
		list = append(list, File{Path: p, Content: c})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	head, _ := m.Head(context.Background())
	sha, _ := m.Commit(context.Background(), head, list, "seed")
	return sha
}

// Log returns commits newest first, excluding the root.
func (m *Memory) Log() []CommitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommitInfo, 0, len(m.commits)-1)
	for i := len(m.commits) - 1; i > 0; i-- {
		c := m.commits[i]
		out = append(out, CommitInfo{SHA: c.sha, Parent: c.parent, Message: c.message, Files: append([]string(nil), c.changed...)})
	}
	return out
}

// Files returns the full tree at head.
func (m *Memory) Files() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.head()
	out := make(map[string]string, len(h.files))
	for k, v := range h.files {
		out[k] = v
	}
	return out
}
