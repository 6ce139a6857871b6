package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ferry/internal/config"
	"ferry/internal/ferry"
)

// NewDialerFromConfig creates a Dialer based on the remote config type.
func NewDialerFromConfig(cfg config.RemoteConfig, logger ferry.Logger) (ferry.Dialer, error) {
	switch cfg.Type {
	case "sftp", "":
		knownHosts := cfg.HostKeys.KnownHosts
		if knownHosts == "" && cfg.HostKeys.Policy != PolicyInsecure {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locating known_hosts: %w", err)
			}
			knownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		policy := HostKeyPolicy{Policy: cfg.HostKeys.Policy, KnownHosts: knownHosts}
		return NewSFTPDialer(policy, timeout, logger), nil
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 remote requires s3.bucket to be set")
		}
		return NewS3Dialer(cfg.S3, logger), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		sess, err := NewFileSystemSession("filesystem", cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return &staticDialer{session: sess}, nil
	case "memory":
		return &staticDialer{session: NewMemorySession("memory")}, nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
