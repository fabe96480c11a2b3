// Package config loads relay and agent configuration.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then environment variables. Command-line flags are applied
// last by the binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "BOARDCRAFT_CONFIG"

// Config is the complete configuration of both binaries.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Agent     AgentConfig     `yaml:"agent"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	// Listen is the HTTP listen address.
	// Default: :3001
	Listen string `yaml:"listen"`

	// GracePeriod is how long an empty room is kept before its document
	// is dropped.
	// Default: 5m
	GracePeriod time.Duration `yaml:"grace_period"`

	// QueueSize bounds the frames queued to one connection. A connection
	// that falls this far behind is closed.
	// Default: 256
	QueueSize int `yaml:"queue_size"`

	// MaxFrameSize is the largest inbound frame in bytes.
	// Default: 1 MiB
	MaxFrameSize int64 `yaml:"max_frame_size"`

	// InstanceID names this relay on the cluster bus. Empty picks a
	// random id at startup.
	InstanceID string `yaml:"instance_id"`
}

// AgentConfig configures the client agent.
type AgentConfig struct {
	// Server is the relay base URL. Empty means discover one over mDNS.
	Server string `yaml:"server"`

	// Room is the room to join.
	// Default: default
	Room string `yaml:"room"`

	// BootstrapTimeout is how long to wait for the room snapshot before
	// treating the room as new.
	// Default: 500ms
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
}

// RedisConfig configures the cluster bus. An empty Addr runs the relay
// standalone.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig configures the room journal. An empty URL keeps the
// journal in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`

	// HistoryLimit caps the in-memory journal.
	// Default: 1000
	HistoryLimit int `yaml:"history_limit"`
}

// DiscoveryConfig configures mDNS advertisement and browsing.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	// Instance defaults to "boardcraft-<hostname>".
	Instance string `yaml:"instance"`
	// BrowseTimeout bounds a discovery scan.
	// Default: 3s
	BrowseTimeout time.Duration `yaml:"browse_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:       ":3001",
			GracePeriod:  5 * time.Minute,
			QueueSize:    256,
			MaxFrameSize: 1 << 20,
		},
		Agent: AgentConfig{
			Room:             "default",
			BootstrapTimeout: 500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			HistoryLimit: 1000,
		},
		Discovery: DiscoveryConfig{
			Enabled:       true,
			Service:       "_boardcraft._tcp",
			BrowseTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves the configuration from path (or BOARDCRAFT_CONFIG when
// path is empty) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides file values with environment variables. REDIS_ADDR
// and DATABASE_URL keep their conventional names.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"REDIS_ADDR":              &c.Redis.Addr,
		"DATABASE_URL":            &c.Database.URL,
		"BOARDCRAFT_LISTEN":       &c.Relay.Listen,
		"BOARDCRAFT_INSTANCE_ID":  &c.Relay.InstanceID,
		"BOARDCRAFT_SERVER":       &c.Agent.Server,
		"BOARDCRAFT_ROOM":         &c.Agent.Room,
		"BOARDCRAFT_MDNS_SERVICE": &c.Discovery.Service,
		"BOARDCRAFT_LOG_LEVEL":    &c.Log.Level,
		"BOARDCRAFT_LOG_FORMAT":   &c.Log.Format,
	}
	for name, target := range strs {
		if v, ok := lookup(name); ok {
			*target = v
		}
	}

	durations := map[string]*time.Duration{
		"BOARDCRAFT_GRACE_PERIOD":      &c.Relay.GracePeriod,
		"BOARDCRAFT_BOOTSTRAP_TIMEOUT": &c.Agent.BootstrapTimeout,
	}
	for name, target := range durations {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*target = d
	}

	if v, ok := lookup("BOARDCRAFT_MDNS"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOARDCRAFT_MDNS: %w", err)
		}
		c.Discovery.Enabled = enabled
	}
	return nil
}

// Validate rejects values the binaries cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Relay.GracePeriod <= 0 {
		problems = append(problems, "relay.grace_period must be positive")
	}
	if c.Relay.QueueSize <= 0 {
		problems = append(problems, "relay.queue_size must be positive")
	}
	if c.Relay.MaxFrameSize <= 0 {
		problems = append(problems, "relay.max_frame_size must be positive")
	}
	if c.Agent.BootstrapTimeout <= 0 {
		problems = append(problems, "agent.bootstrap_timeout must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format %q must be text or json", l.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
