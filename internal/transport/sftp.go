package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"ferry/internal/ferry"
)

// SFTPSession is a ferry.Session over an SFTP subsystem channel.
type SFTPSession struct {
	client *sftp.Client
	conn   io.Closer // underlying SSH connection; nil when the caller owns it
}

var _ ferry.Session = (*SFTPSession)(nil)

// NewSFTPSession wraps an SFTP client. conn, when non-nil, is closed after the
// client by Close.
func NewSFTPSession(client *sftp.Client, conn io.Closer) *SFTPSession {
	return &SFTPSession{client: client, conn: conn}
}

// Stat returns information about path.
func (s *SFTPSession) Stat(_ context.Context, p string) (ferry.Entry, error) {
	info, err := s.client.Stat(p)
	if err != nil {
		return ferry.Entry{}, err
	}
	return ferry.Entry{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir()}, nil
}

// ReadDir returns the sorted entry names of a directory.
func (s *SFTPSession) ReadDir(_ context.Context, p string) ([]string, error) {
	infos, err := s.client.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Mkdir creates a directory. SFTP servers report an existing directory as a
// generic failure, so the result is settled with a follow-up stat.
func (s *SFTPSession) Mkdir(_ context.Context, p string) (ferry.MkdirResult, error) {
	err := s.client.Mkdir(p)
	if err == nil {
		return ferry.Created, nil
	}
	if info, serr := s.client.Stat(p); serr == nil && info.IsDir() {
		return ferry.AlreadyExists, nil
	}
	return ferry.Created, err
}

// RemoveDirectory removes an empty directory.
func (s *SFTPSession) RemoveDirectory(_ context.Context, p string) error {
	return s.client.RemoveDirectory(p)
}

// Remove removes a file.
func (s *SFTPSession) Remove(_ context.Context, p string) error {
	return s.client.Remove(p)
}

// Upload creates or truncates remotePath and streams r into it.
func (s *SFTPSession) Upload(_ context.Context, remotePath string, r io.Reader, size int64) error {
	f, err := s.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}

	written, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d", size, written)
	}
	return nil
}

// Download streams remotePath into w.
func (s *SFTPSession) Download(_ context.Context, remotePath string, w io.Writer) (int64, error) {
	f, err := s.client.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy: %w", err)
	}
	return n, nil
}

// Close closes the SFTP channel and then the SSH connection.
func (s *SFTPSession) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	return err
}

// SFTPDialer opens password-authenticated SSH connections and starts the
// SFTP subsystem on them.
type SFTPDialer struct {
	hostKeys HostKeyPolicy
	timeout  time.Duration
	logger   ferry.Logger
}

var _ ferry.Dialer = (*SFTPDialer)(nil)

// NewSFTPDialer creates a dialer verifying servers with the given policy.
func NewSFTPDialer(hostKeys HostKeyPolicy, timeout time.Duration, logger ferry.Logger) *SFTPDialer {
	return &SFTPDialer{hostKeys: hostKeys, timeout: timeout, logger: logger}
}

// Dial connects to ep. Every failure is returned as *ferry.ConnectionError.
func (d *SFTPDialer) Dial(ctx context.Context, ep ferry.Endpoint) (ferry.Session, error) {
	addr := ep.Addr()
	fail := func(err error) (ferry.Session, error) {
		return nil, &ferry.ConnectionError{Addr: addr, Err: err}
	}

	callback, err := d.hostKeys.Callback(d.logger)
	if err != nil {
		return fail(fmt.Errorf("host key verification setup: %w", err))
	}

	password := ep.Credential.Reveal()
	cfg := &ssh.ClientConfig{
		User: ep.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: callback,
		Timeout:         d.timeout,
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fail(err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return fail(fmt.Errorf("sftp client: %w", err))
	}

	d.logger.Debug("sftp session opened", "addr", addr, "user", ep.User)
	return NewSFTPSession(sftpClient, client), nil
}
