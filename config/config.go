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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"e2edrop/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "e2edrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "E2EDROP_DATA_DIR"
	// DefaultListenPort is the TCP port a direct receiver listens on.
	DefaultListenPort = 9999
	// DefaultRelayURL points at a relay started with "e2edrop relay" on this host.
	DefaultRelayURL = "ws://localhost:3000/ws"
	// DefaultPollIntervalMS is the sender's backpressure re-check delay.
	DefaultPollIntervalMS = 100
	// DefaultMaxFileSize bounds what a receiver buffers for one transfer.
	DefaultMaxFileSize = 4 << 30
	// DefaultLogLevel is used when log_level is missing or invalid.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName   = "config.json"
	downloadsDirName = "downloads"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	RelayURL       string `json:"relay_url"`
	ListenPort     int    `json:"listen_port"`
	DownloadDir    string `json:"download_dir"`
	ChunkSize      int    `json:"chunk_size"`
	HighWaterMark  uint64 `json:"high_water_mark"`
	PollIntervalMS int    `json:"poll_interval_ms"`
	MaxFileSize    int64  `json:"max_file_size"`
	LogLevel       string `json:"log_level"`
}

// PollInterval returns PollIntervalMS as a duration.
func (c *DeviceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If E2EDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectories creates the data directory and the default download directory.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:       uuid.NewString(),
		DeviceName:     defaultDeviceName(),
		RelayURL:       DefaultRelayURL,
		ListenPort:     DefaultListenPort,
		DownloadDir:    filepath.Join(dataDir, downloadsDirName),
		ChunkSize:      transfer.DefaultChunkSize,
		HighWaterMark:  transfer.DefaultHighWaterMark,
		PollIntervalMS: DefaultPollIntervalMS,
		MaxFileSize:    DefaultMaxFileSize,
		LogLevel:       DefaultLogLevel,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "e2edrop device"
}

// normalizeDefaults fills missing or out-of-range fields and reports whether
// anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	defaults := defaultConfig(dataDir)
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
		updated = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = defaults.RelayURL
		updated = true
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = defaults.ListenPort
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaults.DownloadDir
		updated = true
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > transfer.MaxChunkSize {
		cfg.ChunkSize = defaults.ChunkSize
		updated = true
	}
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = defaults.HighWaterMark
		updated = true
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = defaults.PollIntervalMS
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaults.MaxFileSize
		updated = true
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}

	return updated
}
