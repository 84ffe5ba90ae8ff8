// Package contentstore commits batches of markdown edits to a version
// controlled file tree. The tree is addressed by commit: every read names
// the snapshot it reads from and every commit names the parent it builds on,
// so concurrent writers are detected instead of silently overwritten.
package contentstore

import (
	"context"
	"errors"
)

var (
	// ErrConflict means the branch head moved between read and commit.
	ErrConflict = errors.New("contentstore: branch head moved")
	// ErrNotFound means the branch or commit does not exist.
	ErrNotFound = errors.New("contentstore: not found")
)

// Snapshot identifies one commit on the tracked branch.
type Snapshot struct {
	CommitSHA string
	TreeSHA   string
}

// File is the full new content of one path in a commit.
type File struct {
	Path    string
	Content string
}

// Backend is the hosted repository. Implementations must make Commit a
// compare-and-swap on the branch ref: it succeeds only if the branch still
// points at parent.CommitSHA, and returns an error wrapping ErrConflict
// otherwise.
type Backend interface {
	Head(ctx context.Context) (Snapshot, error)
	ReadFile(ctx context.Context, at Snapshot, path string) (content string, found bool, err error)
	Commit(ctx context.Context, parent Snapshot, files []File, message string) (sha string, err error)
}
