package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080, PublicBaseURL: "http://localhost:8080"},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "collections"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Twilio:  TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111"},
		VoiceAI: VoiceAIConfig{APIKey: "k", AgentID: "agent"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "TWILIO_ACCOUNT_SID", "VOICE_AI_API_KEY", "PUBLIC_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in joined errors: %v", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLModeAndSecrets(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.App.PublicBaseURL = "https://voice.example.com"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "QUEUE_SIGNING_SECRET") {
		t.Fatalf("expected queue signing secret error: %v", err)
	}
	if !c.Twilio.ValidateSignatures {
		t.Fatalf("signature validation must be forced on in production")
	}
}

func TestValidate_ProductionRejectsPlainHTTP(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	c.Queue.SigningSecret = "s"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "https") {
		t.Fatalf("expected https error, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Scheduler.CallSpacing != 30*time.Second || c.Scheduler.Cron != "@hourly" {
		t.Fatalf("unexpected scheduler defaults: %+v", c.Scheduler)
	}
	if c.Queue.MaxRetries != 3 || c.Relay.IdleTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v %+v", c.Queue, c.Relay)
	}
}

func TestValidate_RedisURLReplacesHostPort(t *testing.T) {
	c := validLocal()
	c.Redis = RedisConfig{URL: "rediss://default:pw@cache.example.com:6380/0"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.RedisAddr() != "" {
		t.Fatalf("expected empty addr when URL is used")
	}
}

func TestPublicURLs(t *testing.T) {
	c := validLocal()
	c.App.PublicBaseURL = "https://voice.example.com"

	if got := c.PublicURL("/webhooks/twilio/status"); got != "https://voice.example.com/webhooks/twilio/status" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := c.PublicWSURL("webhooks/twilio/media"); got != "wss://voice.example.com/webhooks/twilio/media" {
		t.Fatalf("unexpected ws url %q", got)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	for k, v := range map[string]string{
		"APP_ENV": "dev", "APP_PORT": "8081", "PUBLIC_BASE_URL": "https://voice.example.com/",
		"DB_HOST": "db", "DB_PORT": "5432", "DB_USER": "u", "DB_NAME": "n",
		"REDIS_HOST": "redis", "REDIS_PORT": "6379",
		"JWT_SECRET": "s",
		"TWILIO_ACCOUNT_SID": "AC1", "TWILIO_AUTH_TOKEN": "t", "TWILIO_FROM_NUMBER": "+15550001111",
		"VOICE_AI_API_KEY": "k", "VOICE_AI_AGENT_ID": "a",
		"QUEUE_MAX_RETRIES": "5", "RELAY_IDLE_TIMEOUT": "45s",
	} {
		t.Setenv(k, v)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.PublicBaseURL != "https://voice.example.com" {
		t.Fatalf("trailing slash not trimmed: %q", c.App.PublicBaseURL)
	}
	if c.Queue.MaxRetries != 5 || c.Relay.IdleTimeout != 45*time.Second {
		t.Fatalf("env overrides not applied: %+v %+v", c.Queue, c.Relay)
	}
}

func TestLoad_RejectsNonIntegerRetries(t *testing.T) {
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("QUEUE_MAX_RETRIES", "three")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "QUEUE_MAX_RETRIES") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
