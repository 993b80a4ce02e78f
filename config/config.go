package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "msgpipe"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MSGPIPE_"
	// configFileName is the persisted configuration file.
	configFileName = "config.yml"
)

// Transport kinds.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Defaults applied to zero values.
const (
	DefaultLogLevel                   = "info"
	DefaultListenAddress              = "127.0.0.1:7070"
	DefaultBatchIntervalMS            = 500
	DefaultBatchMaxSize               = 30
	DefaultReconcileDelayMS           = 3000
	DefaultFailedReplayDelayMS        = 10000
	DefaultPendingRetentionDays       = 10
	DefaultReceiptLargeGroupThreshold = 200
	DefaultKeyRotationGraceHours      = 72
)

// Config contains persistent local pipeline settings.
type Config struct {
	AccountID                  string `yaml:"account_id"`
	DeviceID                   string `yaml:"device_id"`
	LogLevel                   string `yaml:"log_level"`
	LogFormat                  string `yaml:"log_format"`
	Transport                  string `yaml:"transport"`
	ListenAddress              string `yaml:"listen_address"`
	WebSocketURL               string `yaml:"websocket_url"`
	MetricsAddress             string `yaml:"metrics_address"`
	AdvertiseMDNS              bool   `yaml:"advertise_mdns"`
	BatchIntervalMS            int    `yaml:"batch_interval_ms"`
	BatchMaxSize               int    `yaml:"batch_max_size"`
	ReconcileDelayMS           int    `yaml:"reconcile_delay_ms"`
	FailedReplayDelayMS        int    `yaml:"failed_replay_delay_ms"`
	PendingRetentionDays       int    `yaml:"pending_retention_days"`
	ReceiptLargeGroupThreshold int    `yaml:"receipt_large_group_threshold"`
	IdentityKeyPath            string `yaml:"identity_key_path"`
	OldIdentityKeyPath         string `yaml:"old_identity_key_path"`
	KeyRotationGraceHours      int    `yaml:"key_rotation_grace_hours"`
}

// BatchInterval is the batching window.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// ReconcileDelay is the debounce window of the pending reconciler.
func (c *Config) ReconcileDelay() time.Duration {
	return time.Duration(c.ReconcileDelayMS) * time.Millisecond
}

// FailedReplayDelay is how long the failed-batch reconciler waits before a pass.
func (c *Config) FailedReplayDelay() time.Duration {
	return time.Duration(c.FailedReplayDelayMS) * time.Millisecond
}

// PendingRetention is how long unresolved pending and failed rows are kept.
func (c *Config) PendingRetention() time.Duration {
	return time.Duration(c.PendingRetentionDays) * 24 * time.Hour
}

// KeyRotationGrace is how long a rotated-out identity key is still accepted.
func (c *Config) KeyRotationGrace() time.Duration {
	return time.Duration(c.KeyRotationGraceHours) * time.Hour
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return errors.New("account_id is required")
	}
	switch c.Transport {
	case TransportTCP:
		if c.ListenAddress == "" {
			return errors.New("listen_address is required for tcp transport")
		}
	case TransportWebSocket:
		if c.WebSocketURL == "" {
			return errors.New("websocket_url is required for websocket transport")
		}
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MSGPIPE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "DATA_DIR"); override != "" {
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

// ConfigPath returns the full path to config.yml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.yml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yml to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value but never written
// back to disk.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
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

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.LogLevel, DefaultLogLevel)
	setString(&cfg.LogFormat, LogFormatConsole)
	setString(&cfg.Transport, TransportTCP)
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setInt(&cfg.BatchIntervalMS, DefaultBatchIntervalMS)
	setInt(&cfg.BatchMaxSize, DefaultBatchMaxSize)
	setInt(&cfg.ReconcileDelayMS, DefaultReconcileDelayMS)
	setInt(&cfg.FailedReplayDelayMS, DefaultFailedReplayDelayMS)
	setInt(&cfg.PendingRetentionDays, DefaultPendingRetentionDays)
	setInt(&cfg.ReceiptLargeGroupThreshold, DefaultReceiptLargeGroupThreshold)
	setInt(&cfg.KeyRotationGraceHours, DefaultKeyRotationGraceHours)
	setString(&cfg.IdentityKeyPath, filepath.Join(keysDir, "identity.pem"))
	setString(&cfg.OldIdentityKeyPath, filepath.Join(keysDir, "identity_old.pem"))

	return updated
}

func applyEnv(cfg *Config) error {
	stringFields := map[string]*string{
		"ACCOUNT_ID":      &cfg.AccountID,
		"LOG_LEVEL":       &cfg.LogLevel,
		"LOG_FORMAT":      &cfg.LogFormat,
		"TRANSPORT":       &cfg.Transport,
		"LISTEN_ADDRESS":  &cfg.ListenAddress,
		"WEBSOCKET_URL":   &cfg.WebSocketURL,
		"METRICS_ADDRESS": &cfg.MetricsAddress,
	}
	for name, field := range stringFields {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*field = v
		}
	}

	intFields := map[string]*int{
		"BATCH_INTERVAL_MS":             &cfg.BatchIntervalMS,
		"BATCH_MAX_SIZE":                &cfg.BatchMaxSize,
		"RECONCILE_DELAY_MS":            &cfg.ReconcileDelayMS,
		"FAILED_REPLAY_DELAY_MS":        &cfg.FailedReplayDelayMS,
		"PENDING_RETENTION_DAYS":        &cfg.PendingRetentionDays,
		"RECEIPT_LARGE_GROUP_THRESHOLD": &cfg.ReceiptLargeGroupThreshold,
	}
	for name, field := range intFields {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
		}
		*field = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "ADVERTISE_MDNS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sADVERTISE_MDNS: %w", EnvPrefix, err)
		}
		cfg.AdvertiseMDNS = b
	}
	return nil
}
