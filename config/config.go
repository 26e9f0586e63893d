package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "securepeer"
	// RelayDiscover asks the client to locate a relay on the local network.
	RelayDiscover = "mdns"
	// DefaultPollInterval is the relay polling cadence while authenticated.
	DefaultPollInterval = 2 * time.Second
	// DefaultChunkSize keeps each data channel message under the common SCTP limit.
	DefaultChunkSize = 16 * 1024
	// DefaultResponseTimeout bounds how long an announced file waits for the recipient.
	DefaultResponseTimeout = 5 * time.Minute
	// DefaultHandshakeTimeout bounds offer/answer/ICE negotiation.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultChunkTimeout bounds the gap between two received chunks.
	DefaultChunkTimeout = 30 * time.Second
	// DefaultRelayRetries is the number of retries for one relay call.
	DefaultRelayRetries = 3
	// DefaultExpiry is applied when a share does not name one.
	DefaultExpiry = "24h"
	// DefaultLogLevel is the logrus level used by the CLI.
	DefaultLogLevel = "info"
	// DefaultSecurityEventRetention bounds how long dropped-envelope records are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour

	configFileName = "config.json"
	envFileName    = ".env"
)

// DefaultICEServers are public STUN servers used for candidate gathering.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

// MarshalJSON encodes d as "2s", "5m0s", and so on.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	RelayURL         string   `json:"relay_url"`
	PollInterval     Duration `json:"poll_interval"`
	ChunkSize        int      `json:"chunk_size"`
	ResponseTimeout  Duration `json:"response_timeout"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	ChunkTimeout     Duration `json:"chunk_timeout"`
	RelayRetries     int      `json:"relay_retries"`
	DefaultExpiry    string   `json:"default_expiry"`
	ICEServers       []string `json:"ice_servers"`
	LogLevel         string   `json:"log_level"`
	EventRetention   Duration `json:"security_event_retention"`
	FilesDir         string   `json:"files_dir"`
	KeysDir          string   `json:"keys_dir"`
	TempDir          string   `json:"temp_dir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECUREPEER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SECUREPEER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
		filepath.Join(dataDir, "tmp"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value but never persisted.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*ClientConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := ApplyEnv(cfg, dataDir); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// ApplyEnv loads .env files from the working directory and the data directory
// (first value wins) and applies SECUREPEER_* overrides onto cfg.
func ApplyEnv(cfg *ClientConfig, dataDir string) error {
	for _, path := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	if v := os.Getenv("SECUREPEER_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("SECUREPEER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SECUREPEER_POLL_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SECUREPEER_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = Duration(parsed)
	}

	return nil
}

func defaultConfig(dataDir string) *ClientConfig {
	cfg := &ClientConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(DefaultPollInterval)
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = Duration(DefaultResponseTimeout)
		updated = true
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
		updated = true
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = Duration(DefaultChunkTimeout)
		updated = true
	}
	if cfg.RelayRetries <= 0 {
		cfg.RelayRetries = DefaultRelayRetries
		updated = true
	}
	if cfg.DefaultExpiry == "" {
		cfg.DefaultExpiry = DefaultExpiry
		updated = true
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = append([]string(nil), DefaultICEServers...)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = Duration(DefaultSecurityEventRetention)
		updated = true
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(dataDir, "keys")
		updated = true
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(dataDir, "tmp")
		updated = true
	}

	return updated
}
