// Package config loads storesync configuration from TOML or YAML files with
// STORESYNC_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "storesync.toml"

const envPrefix = "STORESYNC_"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Client    ClientConfig    `toml:"client" yaml:"client"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Fetch     FetchConfig     `toml:"fetch" yaml:"fetch"`
	Dispatch  DispatchConfig  `toml:"dispatch" yaml:"dispatch"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	// DB is the journal database path.
	DB           string   `toml:"db" yaml:"db"`
	Token        string   `toml:"token,omitempty" yaml:"token,omitempty"`
	PingInterval Duration `toml:"ping_interval" yaml:"ping_interval"`
	Metrics      bool     `toml:"metrics" yaml:"metrics"`
}

type ClientConfig struct {
	URL     string   `toml:"url" yaml:"url"`
	Token   string   `toml:"token,omitempty" yaml:"token,omitempty"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
	// Transport picks the stream source: "websocket" or "nats".
	Transport string `toml:"transport" yaml:"transport"`
}

type NATSConfig struct {
	// URL enables NATS when set.
	URL           string `toml:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
	// Publish makes the server publish journaled events to NATS.
	Publish bool `toml:"publish" yaml:"publish"`
}

type FetchConfig struct {
	MaxObjects int      `toml:"max_objects" yaml:"max_objects"`
	Delay      Duration `toml:"delay" yaml:"delay"`
}

type DispatchConfig struct {
	BufferSize       int    `toml:"buffer_size" yaml:"buffer_size"`
	DedupeWindow     int    `toml:"dedupe_window" yaml:"dedupe_window"`
	CorrelationField string `toml:"correlation_field" yaml:"correlation_field"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	APIKey  string `toml:"api_key,omitempty" yaml:"api_key,omitempty"`
	// Endpoint overrides the PostHog host.
	Endpoint string `toml:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8420",
			DB:           filepath.Join(".storesync", "journal.db"),
			PingInterval: Duration(5 * time.Second),
			Metrics:      true,
		},
		Client: ClientConfig{
			URL:       "http://127.0.0.1:8420",
			Timeout:   Duration(60 * time.Second),
			Transport: "websocket",
		},
		NATS: NATSConfig{
			SubjectPrefix: "storesync.streams",
		},
		Fetch: FetchConfig{
			MaxObjects: 256,
			Delay:      Duration(10 * time.Millisecond),
		},
		Dispatch: DispatchConfig{
			BufferSize:       256,
			DedupeWindow:     4096,
			CorrelationField: "virtualId",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.DB == "" {
		return fmt.Errorf("server.db is required")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}
	switch c.Client.Transport {
	case "websocket":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("client.transport nats needs nats.url")
		}
	default:
		return fmt.Errorf("client.transport must be websocket or nats, got %q", c.Client.Transport)
	}
	if c.NATS.Publish && c.NATS.URL == "" {
		return fmt.Errorf("nats.publish needs nats.url")
	}
	if c.Fetch.MaxObjects <= 0 {
		return fmt.Errorf("fetch.max_objects must be positive")
	}
	if c.Fetch.Delay < 0 {
		return fmt.Errorf("fetch.delay must not be negative")
	}
	if c.Dispatch.BufferSize <= 0 {
		return fmt.Errorf("dispatch.buffer_size must be positive")
	}
	if c.Dispatch.DedupeWindow <= 0 {
		return fmt.Errorf("dispatch.dedupe_window must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses log.level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the file at path over the defaults, then applies environment
// overrides. A missing file is an error unless optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg, err := ReadFile(path, optional)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile is Load without the environment overrides.
func ReadFile(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && optional:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return cfg, nil
}

// Write saves the config as TOML, or YAML for .yaml/.yml paths.
func (c *Config) Write(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("SERVER_ADDR", &c.Server.Addr)
	str("SERVER_DB", &c.Server.DB)
	str("SERVER_TOKEN", &c.Server.Token)
	str("CLIENT_URL", &c.Client.URL)
	str("CLIENT_TOKEN", &c.Client.Token)
	str("CLIENT_TRANSPORT", &c.Client.Transport)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("TELEMETRY_API_KEY", &c.Telemetry.APIKey)

	if v, ok := lookup(envPrefix + "FETCH_MAX_OBJECTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sFETCH_MAX_OBJECTS: %w", envPrefix, err)
		}
		c.Fetch.MaxObjects = n
	}
	if v, ok := lookup(envPrefix + "NATS_PUBLISH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sNATS_PUBLISH: %w", envPrefix, err)
		}
		c.NATS.Publish = b
	}
	return nil
}
