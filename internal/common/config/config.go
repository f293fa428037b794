// Package config provides configuration management for paseo.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the paseo daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Paseo   PaseoConfig   `mapstructure:"paseo"`
	Relay   RelayConfig   `mapstructure:"relay"`
	NATS    NATSConfig    `mapstructure:"nats"`
	History HistoryConfig `mapstructure:"history"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the local HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	ReadTimeout        int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout       int      `mapstructure:"writeTimeout"` // in seconds
	StaticDir          string   `mapstructure:"staticDir"`
	CORSAllowedOrigins []string `mapstructure:"corsAllowedOrigins"`
}

// PaseoConfig holds daemon-wide paths.
type PaseoConfig struct {
	// Home is the state directory; agents.json and provider-owned
	// subdirectories live underneath it.
	Home string `mapstructure:"home"`

	// AgentRegistryPath overrides the default <home>/agents.json location.
	AgentRegistryPath string `mapstructure:"agentRegistryPath"`
}

// RelayConfig holds the encrypted rendezvous relay configuration.
type RelayConfig struct {
	// URL is the relay WebSocket endpoint. Empty disables the relay path.
	URL string `mapstructure:"url"`

	// ServerID is the stable identifier clients use to find this daemon.
	ServerID string `mapstructure:"serverId"`

	// KeyPath stores the daemon's X25519 private key (<home>/relay.key by default).
	KeyPath string `mapstructure:"keyPath"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds the timeline archive configuration.
type HistoryConfig struct {
	// Path is the sqlite database file; empty means <home>/history.db.
	Path string `mapstructure:"path"`
}

// AgentConfig holds agent runtime tunables.
type AgentConfig struct {
	// HandshakeTimeout bounds the provider handshake (seconds).
	HandshakeTimeout int `mapstructure:"handshakeTimeout"`

	// CancelGrace is how long a provider gets to abort cooperatively
	// before the turn is forcibly terminated (seconds).
	CancelGrace int `mapstructure:"cancelGrace"`

	// OutboundQueueSize bounds the per-connection outbound queue.
	OutboundQueueSize int `mapstructure:"outboundQueueSize"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	// Endpoint is the OTLP HTTP endpoint; empty disables tracing.
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the handshake timeout as a time.Duration.
func (a *AgentConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(a.HandshakeTimeout) * time.Second
}

// CancelGraceDuration returns the cancellation grace window as a time.Duration.
func (a *AgentConfig) CancelGraceDuration() time.Duration {
	return time.Duration(a.CancelGrace) * time.Second
}

// RegistryPath resolves the agents.json location.
func (p *PaseoConfig) RegistryPath() string {
	if p.AgentRegistryPath != "" {
		return p.AgentRegistryPath
	}
	return filepath.Join(p.Home, "agents.json")
}

// ModesPath resolves the optional modes overlay file.
func (p *PaseoConfig) ModesPath() string {
	return filepath.Join(p.Home, "modes.yaml")
}

// HistoryPath resolves the timeline archive location.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Paseo.Home, "history.db")
}

// RelayKeyPath resolves the daemon key file location.
func (c *Config) RelayKeyPath() string {
	if c.Relay.KeyPath != "" {
		return c.Relay.KeyPath
	}
	return filepath.Join(c.Paseo.Home, "relay.key")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("PASEO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".paseo"
	}
	return filepath.Join(home, ".paseo")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.staticDir", "")
	v.SetDefault("server.corsAllowedOrigins", []string{})

	// State directory defaults
	v.SetDefault("paseo.home", defaultHome())
	v.SetDefault("paseo.agentRegistryPath", "")

	// Relay defaults - empty URL disables the relay path
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.serverId", "")
	v.SetDefault("relay.keyPath", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "paseod")
	v.SetDefault("nats.maxReconnects", 10)

	// History defaults - empty means <home>/history.db
	v.SetDefault("history.path", "")

	// Agent defaults
	v.SetDefault("agent.handshakeTimeout", 30)
	v.SetDefault("agent.cancelGrace", 5)
	v.SetDefault("agent.outboundQueueSize", 256)

	// Tracing defaults - disabled unless an endpoint is set
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PASEO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or ~/.paseo/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("paseo.agentRegistryPath", "PASEO_AGENT_REGISTRY_PATH")
	_ = v.BindEnv("relay.serverId", "PASEO_RELAY_SERVER_ID")
	_ = v.BindEnv("server.staticDir", "PASEO_STATIC_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Paseo.Home == "" {
		errs = append(errs, "paseo.home is required")
	}

	// Relay is optional, but a URL without a serverId is unusable
	if cfg.Relay.URL != "" && cfg.Relay.ServerID == "" {
		errs = append(errs, "relay.serverId is required when relay.url is set")
	}

	if cfg.Agent.HandshakeTimeout <= 0 {
		errs = append(errs, "agent.handshakeTimeout must be positive")
	}
	if cfg.Agent.CancelGrace <= 0 {
		errs = append(errs, "agent.cancelGrace must be positive")
	}
	if cfg.Agent.OutboundQueueSize <= 0 {
		errs = append(errs, "agent.outboundQueueSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
