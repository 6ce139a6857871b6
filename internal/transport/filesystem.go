package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/spf13/afero"

	"ferry/internal/ferry"
)

// FSSession is a ferry.Session backed by an afero filesystem. It serves the
// "filesystem" remote type, where a local directory stands in for the remote
// side, and the "memory" type used in tests and dry runs.
//
// Paths are slash-separated and interpreted relative to the filesystem root:
//
//	<root>/
//	  backup/
//	    photos/...
type FSSession struct {
	name string
	fs   afero.Fs
}

var _ ferry.Session = (*FSSession)(nil)

// NewFSSession wraps an existing afero filesystem.
func NewFSSession(name string, fsys afero.Fs) *FSSession {
	return &FSSession{name: name, fs: fsys}
}

// NewFileSystemSession creates a session rooted at the given local directory.
func NewFileSystemSession(name, root string) (*FSSession, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return NewFSSession(name, afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewMemorySession creates an empty in-memory session.
func NewMemorySession(name string) *FSSession {
	return NewFSSession(name, afero.NewMemMapFs())
}

// Fs exposes the backing filesystem so tests can seed and inspect it.
func (s *FSSession) Fs() afero.Fs {
	return s.fs
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// Stat returns information about path.
func (s *FSSession) Stat(_ context.Context, p string) (ferry.Entry, error) {
	info, err := s.fs.Stat(clean(p))
	if err != nil {
		return ferry.Entry{}, err
	}
	return ferry.Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()}, nil
}

// ReadDir returns the sorted entry names of a directory.
func (s *FSSession) ReadDir(_ context.Context, p string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, clean(p))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	sort.Strings(names)
	return names, nil
}

// Mkdir creates a directory, reporting AlreadyExists for an existing one.
func (s *FSSession) Mkdir(_ context.Context, p string) (ferry.MkdirResult, error) {
	p = clean(p)
	err := s.fs.Mkdir(p, 0755)
	if err == nil {
		return ferry.Created, nil
	}
	if info, serr := s.fs.Stat(p); serr == nil && info.IsDir() {
		return ferry.AlreadyExists, nil
	}
	return ferry.Created, err
}

// RemoveDirectory removes an empty directory.
func (s *FSSession) RemoveDirectory(_ context.Context, p string) error {
	p = clean(p)
	info, err := s.fs.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", p)
	}
	empty, err := afero.IsEmpty(s.fs, p)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("directory not empty: %s", p)
	}
	return s.fs.Remove(p)
}

// Remove removes a file.
func (s *FSSession) Remove(_ context.Context, p string) error {
	p = clean(p)
	info, err := s.fs.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory: %s", p)
	}
	return s.fs.Remove(p)
}

// Upload writes data from r to remotePath using atomic write (temp file + rename).
func (s *FSSession) Upload(_ context.Context, remotePath string, r io.Reader, size int64) error {
	destPath := clean(remotePath)

	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := afero.TempFile(s.fs, path.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			s.fs.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := s.fs.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Download copies remotePath to w.
func (s *FSSession) Download(_ context.Context, remotePath string, w io.Writer) (int64, error) {
	f, err := s.fs.Open(clean(remotePath))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("failed to read file: %w", err)
	}
	return n, nil
}

// Close is a no-op; the filesystem outlives the session.
func (s *FSSession) Close() error {
	return nil
}

// staticDialer hands out the same session for every dial. Used for the
// filesystem and memory remote types, which have nothing to connect to.
type staticDialer struct {
	session ferry.Session
}

func (d *staticDialer) Dial(context.Context, ferry.Endpoint) (ferry.Session, error) {
	return d.session, nil
}
