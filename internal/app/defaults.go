package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns the paths ferry uses when the config does not say
// otherwise. Keys: config_path, base_dir, log_dir, known_hosts.
//
//   - FERRY_CONFIG_PATH overrides config_path (~/.config/ferry.toml)
//   - FERRY_HOME overrides base_dir (~/.local/share/ferry); log_dir lives under it
//   - known_hosts is the user's OpenSSH file, shared with ssh(1)
func GetDefaults() (map[string]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	baseDir := envOr("FERRY_HOME", filepath.Join(homeDir, ".local", "share", "ferry"))
	return map[string]string{
		"config_path": envOr("FERRY_CONFIG_PATH", filepath.Join(homeDir, ".config", "ferry.toml")),
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"known_hosts": filepath.Join(homeDir, ".ssh", "known_hosts"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
