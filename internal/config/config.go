package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"portablemsvc/internal/arch"
)

// FileName is the config file looked up inside the config directory.
const FileName = "config.yaml"

const (
	ChannelRelease = "release"
	ChannelPreview = "preview"
)

// Config captures every tunable of the acquirer. It is loaded once at the top
// level and handed to component constructors.
type Config struct {
	Version  int            `yaml:"version"`
	Dirs     DirsConfig     `yaml:"dirs"`
	Channel  string         `yaml:"channel"`
	Host     string         `yaml:"host"`
	Targets  []string       `yaml:"targets,omitempty"`
	Manifest ManifestConfig `yaml:"manifest"`
	Download DownloadConfig `yaml:"download"`
	Lock     LockConfig     `yaml:"lock"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DirsConfig overrides the per-OS default roots. Empty values keep the default.
type DirsConfig struct {
	Config string `yaml:"config,omitempty"`
	Data   string `yaml:"data,omitempty"`
	Cache  string `yaml:"cache,omitempty"`
	Temp   string `yaml:"temp,omitempty"`
}

// ManifestConfig controls catalog fetching and caching.
type ManifestConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	ReleaseURL string        `yaml:"release_url"`
	PreviewURL string        `yaml:"preview_url"`
}

// DownloadConfig controls payload fetching.
type DownloadConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LockConfig bounds waiting on the shared JSON documents.
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	TTL     time.Duration `yaml:"ttl"`
}

// MirrorConfig points at an optional S3-compatible payload mirror.
type MirrorConfig struct {
	URI   string `yaml:"uri,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// LoggingConfig selects slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   bool   `yaml:"file"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Version: 1,
		Channel: ChannelRelease,
		Host:    arch.DefaultHost,
		Manifest: ManifestConfig{
			TTL:        time.Hour,
			Timeout:    30 * time.Second,
			ReleaseURL: "https://aka.ms/vs/17/release/channel",
			PreviewURL: "https://aka.ms/vs/17/pre/channel",
		},
		Download: DownloadConfig{
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			Timeout:     30 * time.Second,
		},
		Lock: LockConfig{
			Timeout: 60 * time.Second,
			TTL:     5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML configuration from disk if it exists, otherwise returns
// the default configuration.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults ensures fields fall back to sensible defaults when the YAML
// zeroes them out.
func (c *Config) ApplyDefaults() {
	defaults := Default()

	if c.Version == 0 {
		c.Version = defaults.Version
	}
	if c.Channel == "" {
		c.Channel = defaults.Channel
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Manifest.TTL == 0 {
		c.Manifest.TTL = defaults.Manifest.TTL
	}
	if c.Manifest.Timeout == 0 {
		c.Manifest.Timeout = defaults.Manifest.Timeout
	}
	if c.Manifest.ReleaseURL == "" {
		c.Manifest.ReleaseURL = defaults.Manifest.ReleaseURL
	}
	if c.Manifest.PreviewURL == "" {
		c.Manifest.PreviewURL = defaults.Manifest.PreviewURL
	}
	if c.Download.MaxRetries == 0 {
		c.Download.MaxRetries = defaults.Download.MaxRetries
	}
	if c.Download.BackoffBase == 0 {
		c.Download.BackoffBase = defaults.Download.BackoffBase
	}
	if c.Download.Timeout == 0 {
		c.Download.Timeout = defaults.Download.Timeout
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = defaults.Lock.Timeout
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = defaults.Lock.TTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// ChannelURL returns the channel document URL for the named channel.
func (c Config) ChannelURL(channel string) (string, bool) {
	switch channel {
	case ChannelRelease:
		return c.Manifest.ReleaseURL, true
	case ChannelPreview:
		return c.Manifest.PreviewURL, true
	default:
		return "", false
	}
}

// Marshal returns the YAML encoding of the configuration.
func (c Config) Marshal() ([]byte, error) {
	buf, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf, nil
}

// Save writes the configuration to path, creating parent directories.
func (c Config) Save(path string) error {
	buf, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare config dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
