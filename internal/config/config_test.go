package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.TAuthCookieName != defaultCookieName {
		t.Fatalf("unexpected cookie name: %s", cfg.TAuthCookieName)
	}
	if cfg.RelaySendBuffer != defaultRelaySendBuffer {
		t.Fatalf("unexpected relay send buffer: %d", cfg.RelaySendBuffer)
	}
	if cfg.RelayPingInterval != 30*time.Second {
		t.Fatalf("unexpected relay ping interval: %s", cfg.RelayPingInterval)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no cross-origin callers by default, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
	if !strings.Contains(err.Error(), "tauth.signing_secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("NOTEROOM_TAUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("NOTEROOM_RELAY_SEND_BUFFER", "4")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TAuthSigningKey != "env-secret" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if cfg.RelaySendBuffer != 4 {
		t.Fatalf("expected send buffer from env, got %d", cfg.RelaySendBuffer)
	}
}

func TestLoadSplitsAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", []string{"https://a.example.com, https://b.example.com", " "})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsNonPositiveRelaySettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("relay.send_buffer", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected zero send buffer to be rejected")
	}
}

func TestLoadRejectsWildcardOrigin(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", []string{"https://notes.example.com,*"})

	_, err := Load(configViper)
	if err == nil {
		t.Fatalf("expected a wildcard origin to be refused")
	}
	if !strings.Contains(err.Error(), "http.allowed_origins") {
		t.Fatalf("unexpected error: %v", err)
	}
}
