package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ferry/internal/ferry"
)

// Host key policies.
const (
	// PolicyAcceptNew trusts and records hosts missing from known_hosts, and
	// rejects hosts whose recorded key differs.
	PolicyAcceptNew = "accept-new"
	// PolicyStrict only trusts hosts already present in known_hosts.
	PolicyStrict = "strict"
	// PolicyInsecure accepts any host key.
	PolicyInsecure = "insecure"
)

// HostKeyPolicy selects how a server's identity is verified.
type HostKeyPolicy struct {
	Policy     string
	KnownHosts string
}

// Callback builds the ssh.HostKeyCallback for the policy.
func (p HostKeyPolicy) Callback(logger ferry.Logger) (ssh.HostKeyCallback, error) {
	switch p.Policy {
	case PolicyAcceptNew, "":
		return acceptNewCallback(p.KnownHosts, logger)
	case PolicyStrict:
		if p.KnownHosts == "" {
			return nil, fmt.Errorf("strict host key policy requires a known_hosts file")
		}
		return knownhosts.New(p.KnownHosts)
	case PolicyInsecure:
		logger.Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("unknown host key policy: %q", p.Policy)
	}
}

// acceptNewCallback verifies against known_hosts and appends unknown hosts
// to it instead of failing.
func acceptNewCallback(path string, logger ferry.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, fmt.Errorf("accept-new host key policy requires a known_hosts path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening known_hosts: %w", err)
	}
	f.Close()

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("reading known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			// nil, a mismatching key, or a revoked key.
			return err
		}
		if err := appendKnownHost(path, hostname, key); err != nil {
			return fmt.Errorf("recording host key: %w", err)
		}
		if reloaded, err := knownhosts.New(path); err == nil {
			verify = reloaded
		}
		logger.Warn("recorded new host key", "host", hostname,
			"type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
