package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "NOTEROOM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "noteroom.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultSessionIssuer       = "tauth"
	defaultRelaySendBuffer     = 32
	defaultRelayPingInterval   = 30 * time.Second
	defaultRelayMaxMessageSize = 1 << 20
)

// AppConfig captures runtime configuration for the API server. An empty
// AllowedOrigins list serves same-origin browsers only.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	TAuthSigningKey      string
	TAuthCookieName      string
	TAuthIssuer          string
	DatabasePath         string
	LogLevel             string
	RelaySendBuffer      int
	RelayPingInterval    time.Duration
	RelayMaxMessageBytes int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("relay.send_buffer", defaultRelaySendBuffer)
	configViper.SetDefault("relay.ping_interval", defaultRelayPingInterval)
	configViper.SetDefault("relay.max_message_bytes", defaultRelayMaxMessageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		RelaySendBuffer:      configViper.GetInt("relay.send_buffer"),
		RelayPingInterval:    configViper.GetDuration("relay.ping_interval"),
		RelayMaxMessageBytes: configViper.GetInt64("relay.max_message_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.TAuthIssuer) == "" {
		return fmt.Errorf("tauth.issuer is required")
	}
	for _, origin := range c.AllowedOrigins {
		// Sessions travel as cookies, so every cross-origin caller is credentialed.
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins cannot contain \"*\"; list the browser origins explicitly")
		}
	}
	if c.RelaySendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive, got %d", c.RelaySendBuffer)
	}
	if c.RelayPingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be positive, got %s", c.RelayPingInterval)
	}
	if c.RelayMaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be positive, got %d", c.RelayMaxMessageBytes)
	}
	return nil
}

func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
