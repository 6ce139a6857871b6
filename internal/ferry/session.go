package ferry

import (
	"context"
	"io"
)

// Entry describes a remote path.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// MkdirResult reports whether Mkdir created the directory or found it
// already present.
type MkdirResult int

const (
	Created MkdirResult = iota
	AlreadyExists
)

func (r MkdirResult) String() string {
	if r == AlreadyExists {
		return "already exists"
	}
	return "created"
}

// Session is an authenticated remote filesystem. Paths are slash-separated.
// Implementations are used by a single goroutine for the lifetime of a job.
type Session interface {
	// Stat returns information about path. A missing path yields an error
	// matching fs.ErrNotExist.
	Stat(ctx context.Context, path string) (Entry, error)

	// ReadDir returns the names of the entries directly contained in path,
	// sorted lexicographically.
	ReadDir(ctx context.Context, path string) ([]string, error)

	// Mkdir creates a single directory. An existing directory is reported as
	// AlreadyExists rather than an error; an existing file is an error.
	Mkdir(ctx context.Context, path string) (MkdirResult, error)

	// RemoveDirectory removes an empty directory.
	RemoveDirectory(ctx context.Context, path string) error

	// Remove removes a file.
	Remove(ctx context.Context, path string) error

	// Upload writes size bytes read from r to remotePath, replacing any
	// existing file.
	Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error

	// Download copies the content of remotePath to w and returns the number
	// of bytes written.
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)

	// Close releases the session and its underlying connection.
	Close() error
}

// Dialer opens sessions for an endpoint. Failures are returned as
// *ConnectionError.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}
