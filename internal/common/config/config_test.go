package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./a2a.db", cfg.Database.Path)
	assert.False(t, cfg.Database.PersistTasks)
	assert.Empty(t, cfg.NATS.URL)
	assert.False(t, cfg.Auth.Enabled)
	assert.True(t, cfg.AgentCard.Streaming)
	assert.True(t, cfg.AgentCard.ContentRouting)
	assert.Equal(t, "Echo: ", cfg.AgentCard.EchoPrefix)
	assert.Equal(t, 600, cfg.Queue.LeaseTimeout)
	assert.Equal(t, 5000, cfg.Queue.ResultLimit)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, 9090, cfg.MCP.Port)
}

func TestLoadFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9123
agentCard:
  name: file-agent
  streaming: false
queue:
  leaseTimeout: 120
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9123, cfg.Server.Port)
	assert.Equal(t, "file-agent", cfg.AgentCard.Name)
	assert.False(t, cfg.AgentCard.Streaming)
	assert.Equal(t, 120, cfg.Queue.LeaseTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("A2A_SERVER_PORT", "7777")
	t.Setenv("A2A_NATS_URL", "nats://localhost:4222")
	t.Setenv("A2A_AUTH_TOKENS", "monitor:secret1, worker:secret2")
	t.Setenv("A2A_QUEUE_LEASE_TIMEOUT", "42")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "monitor:secret1, worker:secret2", cfg.Auth.StaticTokens)
	assert.Equal(t, 42, cfg.Queue.LeaseTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"pgx without host", func(c *Config) { c.Database.Driver = "pgx"; c.Database.Host = "" }},
		{"auth without issuer or tokens", func(c *Config) { c.Auth.Enabled = true; c.Auth.Issuer = ""; c.Auth.StaticTokens = "" }},
		{"zero lease timeout", func(c *Config) { c.Queue.LeaseTimeout = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestStaticTokenMap(t *testing.T) {
	auth := AuthConfig{StaticTokens: "monitor:s1, worker:s2,,broken,:empty"}
	tokens := auth.StaticTokenMap()

	assert.Equal(t, map[string]string{"monitor": "s1", "worker": "s2"}, tokens)
}

func TestPostgresDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "a2a", Password: "pw",
		DBName: "a2a", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=a2a password=pw dbname=a2a sslmode=require",
		db.DSN())
}
