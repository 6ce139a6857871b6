package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultPasswordEnv is the environment variable consulted for the remote
// password when the config does not name one.
const DefaultPasswordEnv = "FERRY_PASSWORD"

// Config represents the main configuration for ferry.
type Config struct {
	BaseDir     string        `toml:"base_dir"`
	LogDir      string        `toml:"log_dir"`
	Exclude     []string      `toml:"exclude"`
	ExcludeFile string        `toml:"exclude_file,omitempty"`
	Remote      RemoteConfig  `toml:"remote"`
	History     HistoryConfig `toml:"history"`
}

// RemoteConfig describes the remote side of transfers.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "sftp" (default), "s3", "filesystem", or "memory"

	Host string `toml:"host,omitempty"`
	Port int    `toml:"port,omitempty"`
	User string `toml:"user,omitempty"`

	// Credential sources, tried in order: environment variable, then an
	// age-sealed password file, then an interactive prompt.
	PasswordEnv  string `toml:"password_env,omitempty"`
	PasswordFile string `toml:"password_file,omitempty"`

	TimeoutSeconds int `toml:"timeout_seconds,omitempty"`

	// SFTP-specific fields (only used when Type == "sftp")
	HostKeys HostKeyConfig `toml:"host_keys"`

	// S3-specific fields (only used when Type == "s3")
	S3 S3Config `toml:"s3"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// HostKeyConfig controls how the SSH server's identity is verified.
type HostKeyConfig struct {
	Policy     string `toml:"policy"`      // "accept-new" (default), "strict", or "insecure"
	KnownHosts string `toml:"known_hosts"` // defaults to ~/.ssh/known_hosts
}

// S3Config selects the bucket used as the remote filesystem.
// The endpoint user and credential, when set, are used as a static access
// key ID and secret.
type S3Config struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix,omitempty"`
	Region   string `toml:"region,omitempty"`
	Endpoint string `toml:"endpoint,omitempty"` // custom endpoint, e.g. a MinIO server
}

// HistoryConfig represents configuration for the transfer history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type HistoryConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with the provided base directory and defaults.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Exclude: []string{".thumbnails", ".trashed-*"},
		Remote: RemoteConfig{
			Type:           "sftp",
			Port:           22,
			PasswordEnv:    DefaultPasswordEnv,
			TimeoutSeconds: 30,
			HostKeys:       HostKeyConfig{Policy: "accept-new"},
		},
		History: HistoryConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
