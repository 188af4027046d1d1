package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dispo", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Telnyx: TelnyxConfig{
			APIKey:       "KEY",
			ConnectionID: "conn-1",
		},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Telnyx.BaseURL != DefaultTelnyxBaseURL {
		t.Fatalf("expected telnyx base url default, got %q", c.Telnyx.BaseURL)
	}
	if c.Telnyx.RequestTimeout <= 0 {
		t.Fatalf("expected bounded telnyx request timeout")
	}
	if c.Redis.LegCacheTTL != 30*time.Second {
		t.Fatalf("expected leg cache ttl default, got %v", c.Redis.LegCacheTTL)
	}
}

func TestValidate_RequiresTelnyxCredentials(t *testing.T) {
	c := validConfig()
	c.Telnyx.APIKey = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing TELNYX_API_KEY")
	}

	c = validConfig()
	c.Telnyx.ConnectionID = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing TELNYX_CONNECTION_ID")
	}
}

func TestValidate_ProductionRequiresWebhookURLAndSSL(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "dispo-voice"
	c.Auth.JWTAudience = "agents"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE and TELNYX_WEBHOOK_URL")
	}

	c.DB.SSLMode = "require"
	c.Telnyx.WebhookURL = "https://voice.example.com/webhooks/telnyx"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
