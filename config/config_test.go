package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 3459 {
		t.Fatalf("Port = %d, want 3459", c.Port)
	}
	if c.AuthURL != "https://xenote.com/mcp-auth" {
		t.Fatalf("AuthURL = %q", c.AuthURL)
	}
	if c.ToolCallTimeout != 30*time.Second {
		t.Fatalf("ToolCallTimeout = %s", c.ToolCallTimeout)
	}
	if len(c.CORSOrigins) != 3 {
		t.Fatalf("CORSOrigins = %v", c.CORSOrigins)
	}
	if c.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("CORSOrigins[0] = %q", c.CORSOrigins[0])
	}
	if c.RedisAddr != "" {
		t.Fatalf("RedisAddr = %q, want empty", c.RedisAddr)
	}
	if c.Addr() != ":3459" {
		t.Fatalf("Addr = %q", c.Addr())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("XENOTE_AUTH_URL", "https://staging.xenote.test/mcp-auth")
	t.Setenv("TOOL_CALL_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://a.test;https://b.test")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != 8080 {
		t.Fatalf("Port = %d", c.Port)
	}
	if c.AuthURL != "https://staging.xenote.test/mcp-auth" {
		t.Fatalf("AuthURL = %q", c.AuthURL)
	}
	if c.ToolCallTimeout != 5*time.Second {
		t.Fatalf("ToolCallTimeout = %s", c.ToolCallTimeout)
	}
	if len(c.CORSOrigins) != 2 || c.CORSOrigins[1] != "https://b.test" {
		t.Fatalf("CORSOrigins = %v", c.CORSOrigins)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", c.RedisAddr)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for PORT=0")
	}
}
