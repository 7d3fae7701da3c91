package config

import "strings"

// Environment variables that override file values. Secrets are usually
// provided this way (or through a .env file loaded at startup).
const (
	EnvHTTPAddr          = "HTTP_ADDR"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvWebhookURL        = "WEBHOOK_URL"
	EnvWebhookSecret     = "WEBHOOK_SECRET"
	EnvInternalJWTSecret = "INTERNAL_JWT_SECRET"
	EnvRedisURL          = "REDIS_URL"
)

// ApplyEnv overlays non-empty environment values onto cfg.
// lookup is os.LookupEnv in production.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvHTTPAddr); ok {
		cfg.Server.Addr = v
	}
	if v, ok := get(EnvDatabaseURL); ok {
		cfg.Database.URL = v
		if strings.TrimSpace(cfg.Database.Driver) == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v, ok := get(EnvWebhookURL); ok {
		cfg.Webhook.URL = v
	}
	if v, ok := get(EnvWebhookSecret); ok {
		cfg.Webhook.Secret = v
	}
	if v, ok := get(EnvInternalJWTSecret); ok {
		cfg.Internal.JWTSecret = v
	}
	if v, ok := get(EnvRedisURL); ok {
		if cfg.Realtime.Relay == nil {
			cfg.Realtime.Relay = &RelayConfig{}
		}
		cfg.Realtime.Relay.RedisURL = v
	}
}
