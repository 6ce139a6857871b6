package ferry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Matcher reports whether a path, relative to the job's source root, is
// excluded from a transfer.
type Matcher interface {
	Match(relativePath string) bool
}

// Synchronizer mirrors trees between the local filesystem and a Session.
// It holds no per-job state: the session is always passed in explicitly,
// and counters live on the traversal created for each call.
type Synchronizer struct {
	local    afero.Fs
	exclude  Matcher
	progress ProgressFunc
	logger   Logger
	clock    Clock
}

// NewSynchronizer creates a Synchronizer over the given local filesystem.
// exclude and progress may be nil.
func NewSynchronizer(local afero.Fs, exclude Matcher, progress ProgressFunc, logger Logger, clock Clock) *Synchronizer {
	if progress == nil {
		progress = NopProgress
	}
	return &Synchronizer{
		local:    local,
		exclude:  exclude,
		progress: progress,
		logger:   logger,
		clock:    clock,
	}
}

// Run dials the remote, resolves the direction, performs the traversal and
// closes the session on every exit path. Dial errors are returned unchanged.
// When the traversal fails the returned Result still holds the files that
// completed before the failure.
func (s *Synchronizer) Run(ctx context.Context, dialer Dialer, job Job) (*Result, error) {
	s.logger.Info("connecting", "addr", job.Remote.Addr(), "user", job.Remote.User)
	sess, err := dialer.Dial(ctx, job.Remote)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.logger.Warn("closing session", "error", cerr)
		}
	}()

	direction, err := s.Resolve(ctx, sess, job.Source)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transfer started", "direction", direction.String(),
		"source", job.Source, "destination", job.Destination, "move", job.Move)

	start := s.clock.Now()
	var stats Stats
	switch direction {
	case Push:
		stats, err = s.Push(ctx, sess, job.Source, job.Destination, job.Move)
	case Pull:
		stats, err = s.Pull(ctx, sess, job.Source, job.Destination, job.Move)
	}
	elapsed := s.clock.Now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	res := &Result{Direction: direction, Elapsed: elapsed, Stats: stats}
	if err != nil {
		s.logger.Error("transfer failed", "error", err, "files", stats.Files)
		return res, err
	}
	s.logger.Info("transfer complete", "files", stats.Files, "bytes", stats.Bytes,
		"seconds", fmt.Sprintf("%.2f", res.Seconds()))
	return res, nil
}

// Resolve classifies a job. A source present locally is a push even when the
// same path also exists remotely; otherwise a source present remotely is a
// pull. Only stat calls are made.
func (s *Synchronizer) Resolve(ctx context.Context, sess Session, source string) (Direction, error) {
	if _, err := s.local.Stat(source); err == nil {
		return Push, nil
	}
	if _, err := sess.Stat(ctx, source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, &SourceNotFoundError{Path: source}
		}
		return 0, fmt.Errorf("checking remote source %s: %w", source, err)
	}
	return Pull, nil
}

// Push mirrors the local path src to the remote path dst. When move is set,
// each local file is removed after its upload completes; local directories
// are left in place.
func (s *Synchronizer) Push(ctx context.Context, sess Session, src, dst string, move bool) (Stats, error) {
	t := &traversal{Synchronizer: s, ctx: ctx, sess: sess, move: move}
	err := t.push(src, dst, "")
	return t.stats, err
}

// Pull mirrors the remote path src to the local path dst. When move is set,
// each remote file is removed after its download completes and each remote
// directory is removed once all of its children have been processed.
func (s *Synchronizer) Pull(ctx context.Context, sess Session, src, dst string, move bool) (Stats, error) {
	t := &traversal{Synchronizer: s, ctx: ctx, sess: sess, move: move}
	err := t.pull(src, dst, "")
	return t.stats, err
}

// traversal is the state of one depth-first walk.
type traversal struct {
	*Synchronizer
	ctx   context.Context
	sess  Session
	move  bool
	stats Stats
}

func (t *traversal) excluded(rel string) bool {
	return t.exclude != nil && t.exclude.Match(rel)
}

func (t *traversal) push(src, dst, rel string) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}

	info, err := t.local.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if info.IsDir() {
		return t.pushDir(Node{Source: src, Destination: dst, Kind: KindDirectory}, rel)
	}
	if !info.Mode().IsRegular() {
		t.logger.Warn("skipping special file", "path", src, "mode", info.Mode().String())
		return nil
	}
	return t.pushFile(Node{Source: src, Destination: dst, Kind: KindFile}, info.Size())
}

func (t *traversal) pushDir(n Node, rel string) error {
	res, err := t.sess.Mkdir(t.ctx, n.Destination)
	if err != nil {
		return fmt.Errorf("creating remote directory %s: %w", n.Destination, err)
	}
	t.logger.Debug("remote directory ready", "path", n.Destination, "result", res.String())

	// afero.ReadDir sorts by name.
	entries, err := afero.ReadDir(t.local, n.Source)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", n.Source, err)
	}

	for _, e := range entries {
		childRel := joinRelative(rel, e.Name())
		if t.excluded(childRel) {
			t.logger.Debug("excluded", "path", childRel)
			continue
		}
		if err := t.push(filepath.Join(n.Source, e.Name()), joinRemote(n.Destination, e.Name()), childRel); err != nil {
			return err
		}
	}
	return nil
}

func (t *traversal) pushFile(n Node, size int64) error {
	f, err := t.local.Open(n.Source)
	if err != nil {
		return &TransferError{Op: "upload", Source: n.Source, Destination: n.Destination, Err: err}
	}

	pr := &progressReader{r: f, label: filepath.Base(n.Source), total: size, report: t.progress}
	err = t.sess.Upload(t.ctx, n.Destination, pr, size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransferError{Op: "upload", Source: n.Source, Destination: n.Destination, Err: err}
	}
	if pr.n != size {
		return &TransferError{Op: "upload", Source: n.Source, Destination: n.Destination,
			Err: fmt.Errorf("size mismatch: expected %d bytes, sent %d", size, pr.n)}
	}
	pr.finish()

	t.stats.add(size)
	t.logger.Info("file uploaded", "source", n.Source, "destination", n.Destination, "size", size)

	if t.move {
		if err := t.local.Remove(n.Source); err != nil {
			return &RemovalError{Path: n.Source, Err: err}
		}
		t.logger.Debug("local source removed", "path", n.Source)
	}
	return nil
}

func (t *traversal) pull(src, dst, rel string) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}

	entry, err := t.sess.Stat(t.ctx, src)
	if err != nil {
		return fmt.Errorf("stat remote %s: %w", src, err)
	}

	if entry.IsDir {
		return t.pullDir(Node{Source: src, Destination: dst, Kind: KindDirectory}, rel)
	}
	return t.pullFile(Node{Source: src, Destination: dst, Kind: KindFile}, entry.Size)
}

func (t *traversal) pullDir(n Node, rel string) error {
	if err := t.local.MkdirAll(n.Destination, 0755); err != nil {
		return fmt.Errorf("creating local directory %s: %w", n.Destination, err)
	}

	names, err := t.sess.ReadDir(t.ctx, n.Source)
	if err != nil {
		return fmt.Errorf("listing remote directory %s: %w", n.Source, err)
	}

	for _, name := range names {
		childRel := joinRelative(rel, name)
		if t.excluded(childRel) {
			t.logger.Debug("excluded", "path", childRel)
			continue
		}
		if err := t.pull(joinRemote(n.Source, name), filepath.Join(n.Destination, name), childRel); err != nil {
			return err
		}
	}

	if t.move {
		if err := t.sess.RemoveDirectory(t.ctx, n.Source); err != nil {
			return &RemovalError{Path: n.Source, Remote: true, Err: err}
		}
		t.logger.Debug("remote directory removed", "path", n.Source)
	}
	return nil
}

func (t *traversal) pullFile(n Node, size int64) error {
	if err := t.local.MkdirAll(filepath.Dir(n.Destination), 0755); err != nil {
		return fmt.Errorf("creating local directory %s: %w", filepath.Dir(n.Destination), err)
	}

	f, err := t.local.Create(n.Destination)
	if err != nil {
		return &TransferError{Op: "download", Source: n.Source, Destination: n.Destination, Err: err}
	}

	pw := &progressWriter{w: f, label: filepath.Base(n.Source), total: size, report: t.progress}
	written, err := t.sess.Download(t.ctx, n.Source, pw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && written != size {
		err = fmt.Errorf("size mismatch: expected %d bytes, received %d", size, written)
	}
	if err != nil {
		t.local.Remove(n.Destination)
		return &TransferError{Op: "download", Source: n.Source, Destination: n.Destination, Err: err}
	}
	pw.finish()

	t.stats.add(size)
	t.logger.Info("file downloaded", "source", n.Source, "destination", n.Destination, "size", size)

	if t.move {
		if err := t.sess.Remove(t.ctx, n.Source); err != nil {
			return &RemovalError{Path: n.Source, Remote: true, Err: err}
		}
		t.logger.Debug("remote source removed", "path", n.Source)
	}
	return nil
}

// joinRemote joins a remote directory and an entry name with "/".
func joinRemote(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + name
}

// joinRelative builds the source-relative path used for exclude matching.
func joinRelative(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}
