// Package config holds the mount configuration for mogfs.
//
// A Config is assembled once at startup (defaults, optional YAML file,
// environment overlay, CLI flags) and treated as immutable after the mount
// is created.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/mogfs/mogfs/pkg/logging"
)

// Config represents the complete mount configuration.
type Config struct {
	// Cluster identity
	Trackers []string `yaml:"trackers"`
	Domain   string   `yaml:"domain"`
	Class    string   `yaml:"class"`

	// Mount settings
	MountPoint string   `yaml:"mountpoint"`
	MountOpts  []string `yaml:"mountopts"`
	Threaded   bool     `yaml:"threaded"`
	ReadOnly   bool     `yaml:"readonly"`

	// Write path
	Buffered        bool   `yaml:"buffered"`
	WriteBufferSize string `yaml:"write_buffer_size"`
	Checksums       bool   `yaml:"checksums"`
	ChecksumKind    string `yaml:"checksum_kind"`

	// Directory cache
	DirCache DirCacheConfig `yaml:"dircache"`

	// Network
	Network NetworkConfig `yaml:"network"`

	// Observability
	LogLevel    int `yaml:"loglevel"`
	MetricsPort int `yaml:"metrics_port"`
}

// DirCacheConfig represents directory listing cache settings.
type DirCacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Duration time.Duration `yaml:"duration"`
}

// NetworkConfig represents timeouts for tracker and storage-node I/O.
type NetworkConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// NewDefault returns a configuration with sensible defaults. Trackers,
// domain and mountpoint have no defaults and must be supplied.
func NewDefault() *Config {
	return &Config{
		Threaded:        true,
		Buffered:        true,
		WriteBufferSize: "64KiB",
		Checksums:       false,
		ChecksumKind:    "MD5",
		DirCache: DirCacheConfig{
			Enabled:  true,
			Duration: 2 * time.Second,
		},
		Network: NetworkConfig{
			RequestTimeout: 5 * time.Second,
			IdleTimeout:    60 * time.Second,
			DialTimeout:    3 * time.Second,
			MaxRetries:     3,
		},
		LogLevel:    logging.LevelNotice,
		MetricsPort: 0,
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from MOGFS_* environment variables.
func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("MOGFS_TRACKERS"); val != "" {
		c.Trackers = splitList(val)
	}
	if val := os.Getenv("MOGFS_DOMAIN"); val != "" {
		c.Domain = val
	}
	if val := os.Getenv("MOGFS_CLASS"); val != "" {
		c.Class = val
	}
	if val := os.Getenv("MOGFS_MOUNTPOINT"); val != "" {
		c.MountPoint = val
	}
	if val := os.Getenv("MOGFS_MOUNTOPTS"); val != "" {
		c.MountOpts = splitList(val)
	}
	if val := os.Getenv("MOGFS_THREADED"); val != "" {
		c.Threaded = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGFS_READONLY"); val != "" {
		c.ReadOnly = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGFS_BUFFERED"); val != "" {
		c.Buffered = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGFS_CHECKSUMS"); val != "" {
		c.Checksums = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGFS_LOGLEVEL"); val != "" {
		if level, err := strconv.Atoi(val); err == nil {
			c.LogLevel = level
		}
	}
	if val := os.Getenv("MOGFS_DIRCACHE"); val != "" {
		c.DirCache.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGFS_DIRCACHE_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.DirCache.Duration = d
		}
	}
	if val := os.Getenv("MOGFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.MetricsPort = port
		}
	}

	return nil
}

// WriteBufferBytes parses WriteBufferSize into a byte count.
func (c *Config) WriteBufferBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.WriteBufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid write_buffer_size %q: %w", c.WriteBufferSize, err)
	}
	return int64(n), nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Trackers) == 0 {
		return fmt.Errorf("at least one tracker is required")
	}
	for _, t := range c.Trackers {
		if _, _, err := net.SplitHostPort(t); err != nil {
			return fmt.Errorf("invalid tracker address %q: %w", t, err)
		}
	}

	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}

	if c.MountPoint == "" {
		return fmt.Errorf("mountpoint is required")
	}

	if !logging.Valid(c.LogLevel) {
		return fmt.Errorf("invalid loglevel: %d (must be between %d and %d)",
			c.LogLevel, logging.LevelOff, logging.LevelDebugFuse)
	}

	if _, err := c.WriteBufferBytes(); err != nil {
		return err
	}

	if c.DirCache.Enabled && c.DirCache.Duration <= 0 {
		return fmt.Errorf("dircache duration must be positive")
	}

	if c.Checksums && !strings.EqualFold(c.ChecksumKind, "MD5") {
		return fmt.Errorf("unsupported checksum kind: %s", c.ChecksumKind)
	}

	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
