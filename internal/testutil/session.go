package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	"ferry/internal/ferry"
)

// RecordingSession wraps a ferry.Session, records every call made through it
// and fails the operations named in Fail.
//
// Operation names: stat, readdir, mkdir, rmdir, remove, upload, download,
// close.
type RecordingSession struct {
	ferry.Session

	mu     sync.Mutex
	calls  []string
	closed int

	// Fail maps an operation name to the error it returns.
	Fail map[string]error
}

// NewRecordingSession wraps inner.
func NewRecordingSession(inner ferry.Session) *RecordingSession {
	return &RecordingSession{Session: inner, Fail: make(map[string]error)}
}

func (s *RecordingSession) record(op, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s %s", op, path))
	return s.Fail[op]
}

// Calls returns the recorded calls as "op path" strings.
func (s *RecordingSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CloseCount returns how many times Close was called.
func (s *RecordingSession) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *RecordingSession) Stat(ctx context.Context, p string) (ferry.Entry, error) {
	if err := s.record("stat", p); err != nil {
		return ferry.Entry{}, err
	}
	return s.Session.Stat(ctx, p)
}

func (s *RecordingSession) ReadDir(ctx context.Context, p string) ([]string, error) {
	if err := s.record("readdir", p); err != nil {
		return nil, err
	}
	return s.Session.ReadDir(ctx, p)
}

func (s *RecordingSession) Mkdir(ctx context.Context, p string) (ferry.MkdirResult, error) {
	if err := s.record("mkdir", p); err != nil {
		return ferry.Created, err
	}
	return s.Session.Mkdir(ctx, p)
}

func (s *RecordingSession) RemoveDirectory(ctx context.Context, p string) error {
	if err := s.record("rmdir", p); err != nil {
		return err
	}
	return s.Session.RemoveDirectory(ctx, p)
}

func (s *RecordingSession) Remove(ctx context.Context, p string) error {
	if err := s.record("remove", p); err != nil {
		return err
	}
	return s.Session.Remove(ctx, p)
}

func (s *RecordingSession) Upload(ctx context.Context, p string, r io.Reader, size int64) error {
	if err := s.record("upload", p); err != nil {
		return err
	}
	return s.Session.Upload(ctx, p, r, size)
}

// Download fails after writing a few bytes when a download failure is
// configured, leaving a partial file behind for the caller to clean up.
func (s *RecordingSession) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	if err := s.record("download", p); err != nil {
		n, _ := w.Write([]byte("partial"))
		return int64(n), err
	}
	return s.Session.Download(ctx, p, w)
}

func (s *RecordingSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if err := s.record("close", ""); err != nil {
		return err
	}
	return s.Session.Close()
}

// StubDialer returns Session, or Err when set.
type StubDialer struct {
	Session ferry.Session
	Err     error

	mu    sync.Mutex
	dials []ferry.Endpoint
}

func (d *StubDialer) Dial(_ context.Context, ep ferry.Endpoint) (ferry.Session, error) {
	d.mu.Lock()
	d.dials = append(d.dials, ep)
	d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Session, nil
}

// Dials returns the endpoints passed to Dial.
func (d *StubDialer) Dials() []ferry.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ferry.Endpoint(nil), d.dials...)
}
