// Package config provides configuration management for the A2A server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the A2A server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	AgentCard AgentCardConfig `mapstructure:"agentCard"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 disables it so SSE streams stay open
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite3" (default, file-based) or "pgx" (Postgres).
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"` // sqlite file path
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbName"`
	SSLMode      string `mapstructure:"sslMode"`
	MaxConns     int    `mapstructure:"maxConns"`
	MinConns     int    `mapstructure:"minConns"`
	PersistTasks bool   `mapstructure:"persistTasks"` // keep lifecycle tasks in SQL instead of memory
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds bearer-token authentication configuration.
type AuthConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Issuer         string `mapstructure:"issuer"` // OIDC issuer base URL, e.g. https://auth.example.com/realms/agents
	ClientID       string `mapstructure:"clientId"`
	ClientSecret   string `mapstructure:"clientSecret"`
	VerifyAudience bool   `mapstructure:"verifyAudience"`
	Audience       string `mapstructure:"audience"`
	JWKSCacheTTL   int    `mapstructure:"jwksCacheTtl"` // in seconds
	StaticTokens   string `mapstructure:"staticTokens"` // "name:token,name:token" service credentials
}

// AgentCardConfig describes the agent card served at /.well-known/agent-card.json.
type AgentCardConfig struct {
	Name            string `mapstructure:"name"`
	Description     string `mapstructure:"description"`
	URL             string `mapstructure:"url"`
	Organization    string `mapstructure:"organization"`
	OrganizationURL string `mapstructure:"organizationUrl"`
	Version         string `mapstructure:"version"`
	Streaming       bool   `mapstructure:"streaming"`
	SkillsFile      string `mapstructure:"skillsFile"` // optional YAML file with additional skills
	EchoPrefix      string `mapstructure:"echoPrefix"`
	ContentRouting  bool   `mapstructure:"contentRouting"`
}

// BrokerConfig holds pub/sub broker tuning.
type BrokerConfig struct {
	QueueSize       int `mapstructure:"queueSize"`       // per-subscriber buffer
	AgentTTLSeconds int `mapstructure:"agentTtlSeconds"` // registry freshness horizon
}

// QueueConfig holds work queue tuning.
type QueueConfig struct {
	LeaseTimeout      int `mapstructure:"leaseTimeout"`      // seconds before a running task is revived
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // expected worker heartbeat period in seconds
	ResultLimit       int `mapstructure:"resultLimit"`       // max persisted result length in characters
	WatchInterval     int `mapstructure:"watchInterval"`     // default watch-mode poll period in seconds
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint; empty disables tracing
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

// JWKSCacheTTLDuration returns the JWKS cache TTL as a time.Duration.
func (a *AuthConfig) JWKSCacheTTLDuration() time.Duration {
	return time.Duration(a.JWKSCacheTTL) * time.Second
}

// LeaseTimeoutDuration returns the lease timeout as a time.Duration.
func (q *QueueConfig) LeaseTimeoutDuration() time.Duration {
	return time.Duration(q.LeaseTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (q *QueueConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(q.HeartbeatInterval) * time.Second
}

// AgentTTL returns the registry freshness horizon as a time.Duration.
func (b *BrokerConfig) AgentTTL() time.Duration {
	return time.Duration(b.AgentTTLSeconds) * time.Second
}

// StaticTokenMap parses the "name:token,name:token" static token list.
func (a *AuthConfig) StaticTokenMap() map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(a.StaticTokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		if !ok || name == "" || token == "" {
			continue
		}
		tokens[strings.TrimSpace(name)] = strings.TrimSpace(token)
	}
	return tokens
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("A2A_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE connections outlive any fixed write window

	// Database defaults - sqlite file unless a Postgres host is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./a2a.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "a2a")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "a2a")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.persistTasks", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "a2a-cluster")
	v.SetDefault("nats.clientId", "a2a-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - disabled for local development
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.clientId", "a2a-server")
	v.SetDefault("auth.clientSecret", "")
	v.SetDefault("auth.verifyAudience", true)
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.jwksCacheTtl", 300)
	v.SetDefault("auth.staticTokens", "")

	// Agent card defaults
	v.SetDefault("agentCard.name", "A2A Server")
	v.SetDefault("agentCard.description", "Agent-to-agent coordination server")
	v.SetDefault("agentCard.url", "http://localhost:8000")
	v.SetDefault("agentCard.organization", "quantum-forge")
	v.SetDefault("agentCard.organizationUrl", "https://github.com/quantum-forge/a2a-server")
	v.SetDefault("agentCard.version", "1.0")
	v.SetDefault("agentCard.streaming", true)
	v.SetDefault("agentCard.skillsFile", "")
	v.SetDefault("agentCard.echoPrefix", "Echo: ")
	v.SetDefault("agentCard.contentRouting", true)

	// Broker defaults
	v.SetDefault("broker.queueSize", 64)
	v.SetDefault("broker.agentTtlSeconds", 300)

	// Queue defaults
	v.SetDefault("queue.leaseTimeout", 600)
	v.SetDefault("queue.heartbeatInterval", 10)
	v.SetDefault("queue.resultLimit", 5000)
	v.SetDefault("queue.watchInterval", 5)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix A2A_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/a2a/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("A2A")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("auth.clientId", "A2A_AUTH_CLIENT_ID")
	_ = v.BindEnv("auth.clientSecret", "A2A_AUTH_CLIENT_SECRET")
	_ = v.BindEnv("auth.verifyAudience", "A2A_AUTH_VERIFY_AUDIENCE")
	_ = v.BindEnv("auth.jwksCacheTtl", "A2A_AUTH_JWKS_CACHE_TTL")
	_ = v.BindEnv("auth.staticTokens", "A2A_AUTH_TOKENS")
	_ = v.BindEnv("database.dbName", "A2A_DATABASE_DB_NAME")
	_ = v.BindEnv("queue.leaseTimeout", "A2A_QUEUE_LEASE_TIMEOUT")
	_ = v.BindEnv("queue.heartbeatInterval", "A2A_QUEUE_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("tracing.endpoint", "A2A_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/a2a/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	if cfg.Auth.Enabled && cfg.Auth.Issuer == "" && cfg.Auth.StaticTokens == "" {
		errs = append(errs, "auth.issuer or auth.staticTokens is required when auth is enabled")
	}

	if cfg.Broker.QueueSize <= 0 {
		errs = append(errs, "broker.queueSize must be positive")
	}
	if cfg.Queue.LeaseTimeout <= 0 {
		errs = append(errs, "queue.leaseTimeout must be positive")
	}
	if cfg.Queue.HeartbeatInterval <= 0 {
		errs = append(errs, "queue.heartbeatInterval must be positive")
	}
	if cfg.Queue.WatchInterval <= 0 {
		errs = append(errs, "queue.watchInterval must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
