// Package config loads service configuration from environment variables and
// an optional YAML file using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the coved service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Docker   DockerConfig   `mapstructure:"docker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Session  SessionConfig  `mapstructure:"session"`
	Stream   StreamConfig   `mapstructure:"stream"`
	LLM      LLMConfig      `mapstructure:"llm"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DockerConfig holds Docker daemon connection settings.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	ReconnectWait int    `mapstructure:"reconnect_wait"` // seconds
	CacheBucket   string `mapstructure:"cache_bucket"`
	CacheTTL      int    `mapstructure:"cache_ttl"` // seconds
}

// ReconnectWaitDuration returns the reconnect wait as a duration.
func (n NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(n.ReconnectWait) * time.Second
}

// CacheTTLDuration returns the ephemeral cache TTL as a duration.
func (n NATSConfig) CacheTTLDuration() time.Duration {
	return time.Duration(n.CacheTTL) * time.Second
}

// PostgresConfig holds the durable store connection settings.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"` // empty = durable store disabled
}

// SandboxConfig describes the sandbox template and pool policy. A single
// deployment-time template covers all sandboxes; per-session variation is
// limited to environment and labels.
type SandboxConfig struct {
	Image             string  `mapstructure:"image"`
	Network           string  `mapstructure:"network"` // private bridge network name
	APIPort           int     `mapstructure:"api_port"`
	ViewPort          int     `mapstructure:"view_port"` // remote-viewing TCP endpoint
	MemoryMB          int64   `mapstructure:"memory_mb"`
	CPUCores          float64 `mapstructure:"cpu_cores"`
	TTL               int     `mapstructure:"ttl"`                // seconds of idle life
	ReapInterval      int     `mapstructure:"reap_interval"`      // seconds
	HealthInterval    int     `mapstructure:"health_interval"`    // seconds between probes
	ProvisionAttempts int     `mapstructure:"provision_attempts"` // health-check retries
	ProvisionDelay    int     `mapstructure:"provision_delay"`    // seconds between retries
	MaxLive           int     `mapstructure:"max_live"`           // pool bound; 0 = unlimited
}

// TTLDuration returns the sandbox idle TTL as a duration.
func (s SandboxConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// ReapIntervalDuration returns the reap interval as a duration.
func (s SandboxConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

// HealthIntervalDuration returns the probe interval as a duration.
func (s SandboxConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(s.HealthInterval) * time.Second
}

// ProvisionDelayDuration returns the delay between provisioning health
// retries as a duration.
func (s SandboxConfig) ProvisionDelayDuration() time.Duration {
	return time.Duration(s.ProvisionDelay) * time.Second
}

// SessionConfig holds session orchestration settings.
type SessionConfig struct {
	ToolTimeout         int `mapstructure:"tool_timeout"`            // seconds per tool invocation
	MaxToolCallsPerTurn int `mapstructure:"max_tool_calls_per_turn"` // loop budget
}

// ToolTimeoutDuration returns the default per-invocation timeout.
func (s SessionConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(s.ToolTimeout) * time.Second
}

// StreamConfig holds event stream settings.
type StreamConfig struct {
	HistoryLimit     int `mapstructure:"history_limit"`     // events retained per session
	SubscriberBuffer int `mapstructure:"subscriber_buffer"` // per-subscriber queue depth
}

// LLMConfig holds language-model client settings.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// MCPServerConfig describes one external MCP server.
type MCPServerConfig struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"` // stdio or streamable_http
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Enabled   bool              `mapstructure:"enabled"`
}

// MCPConfig holds the external MCP server list.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// Load reads configuration from COVE_* environment variables and, if present,
// a cove.yaml file in the working directory or /etc/cove.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2)
	v.SetDefault("nats.cache_bucket", "cove-state")
	v.SetDefault("nats.cache_ttl", 3600)
	v.SetDefault("sandbox.image", "coveworks/sandbox:latest")
	v.SetDefault("sandbox.network", "cove-sandbox")
	v.SetDefault("sandbox.api_port", 8100)
	v.SetDefault("sandbox.view_port", 5900)
	v.SetDefault("sandbox.memory_mb", 4096)
	v.SetDefault("sandbox.cpu_cores", 2.0)
	v.SetDefault("sandbox.ttl", 900)
	v.SetDefault("sandbox.reap_interval", 30)
	v.SetDefault("sandbox.health_interval", 15)
	v.SetDefault("sandbox.provision_attempts", 10)
	v.SetDefault("sandbox.provision_delay", 1)
	v.SetDefault("sandbox.max_live", 0)
	v.SetDefault("session.tool_timeout", 120)
	v.SetDefault("session.max_tool_calls_per_turn", 50)
	v.SetDefault("stream.history_limit", 4096)
	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o")

	v.SetConfigName("cove")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cove")

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; anything else is a real problem.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("COVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
