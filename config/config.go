// Package config loads relay settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the relay process needs. Every field has a
// workable default; REDIS_ADDR is the only knob that changes topology
// (unset runs the broker on in-process storage).
type Config struct {
	Port            int           `env:"PORT,default=3459"`
	AuthURL         string        `env:"XENOTE_AUTH_URL,default=https://xenote.com/mcp-auth"`
	CORSOrigins     []string      `env:"CORS_ORIGINS,default=http://localhost:3000;https://xenote-app.web.app;https://xenote.com"`
	ToolCallTimeout time.Duration `env:"TOOL_CALL_TIMEOUT,default=30s"`
	RedisAddr       string        `env:"REDIS_ADDR,default="`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", c.Port)
	}
	return &c, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
