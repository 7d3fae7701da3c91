package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agendacore/internal/config"
	"agendacore/internal/httpapi"
	"agendacore/internal/realtime"
	"agendacore/internal/reminder"
	"agendacore/internal/storage"
	"agendacore/internal/webhook"
	logx "agendacore/pkg/logx"
)

const (
	defaultRescan          = "5m"
	defaultShutdownTimeout = 10 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDatabaseDriver returns "postgres" or "memory".
func mapDatabaseDriver(cfg *config.Config) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	switch driver {
	case "", "memory":
		return "memory", nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			return "", errors.New("database.url is required when database.driver=postgres")
		}
		return "postgres", nil
	default:
		return "", fmt.Errorf("unknown database.driver: %s", cfg.Database.Driver)
	}
}

func mapWebhookConfig(cfg *config.Config) (webhook.Config, error) {
	timeout, err := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, webhook.DefaultTimeout)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{URL: cfg.Webhook.URL, Secret: cfg.Webhook.Secret, Timeout: timeout}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	raw := strings.TrimSpace(rc.Rescan)
	if raw == "" {
		raw = defaultRescan
	}
	spec, err := reminder.ParseRescan(raw)
	if err != nil {
		return reminder.Config{}, fmt.Errorf("reminder.rescan: %w", err)
	}
	for key, tz := range map[string]string{"reminder.timezone": rc.Timezone, "reminder.default_timezone": rc.DefaultTimezone} {
		if tz = strings.TrimSpace(tz); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return reminder.Config{}, fmt.Errorf("%s: invalid %q: %w", key, tz, err)
			}
		}
	}
	return reminder.Config{
		Enabled:         rc.Enabled,
		Rescan:          spec,
		Timezone:        strings.TrimSpace(rc.Timezone),
		DefaultTimezone: strings.TrimSpace(rc.DefaultTimezone),
	}, nil
}

func mapRateLimit(cfg *config.Config) (httpapi.RateLimit, error) {
	if cfg.RateLimit.RPS < 0 {
		return httpapi.RateLimit{}, errors.New("ratelimit.rps must be >= 0")
	}
	if cfg.RateLimit.Burst < 0 {
		return httpapi.RateLimit{}, errors.New("ratelimit.burst must be >= 0")
	}
	return httpapi.RateLimit{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rht, err := config.ParseDurationField("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	rl, err := mapRateLimit(cfg)
	if err != nil {
		return httpapi.Config{}, err
	}
	path := strings.TrimSpace(cfg.Realtime.Path)
	if path != "" && !strings.HasPrefix(path, "/") {
		return httpapi.Config{}, fmt.Errorf("realtime.path must start with /: %q", path)
	}
	return httpapi.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: rht,
		CORSOrigins:       cfg.Server.CORSOrigins,
		WSPath:            path,
		JWTSecret:         cfg.Internal.JWTSecret,
		RateLimit:         rl,
	}, nil
}

func mapShutdownTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
}

func mapRealtimeConfig(cfg *config.Config) (realtime.HandlerConfig, error) {
	if cfg.Realtime.SendBuffer < 0 {
		return realtime.HandlerConfig{}, errors.New("realtime.send_buffer must be >= 0")
	}
	return realtime.HandlerConfig{
		SendBuffer:     cfg.Realtime.SendBuffer,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, nil
}

// mapRelayConfig reports whether the Redis relay is enabled.
func mapRelayConfig(cfg *config.Config) (realtime.RelayConfig, bool, error) {
	r := cfg.Realtime.Relay
	if r == nil || !r.Enabled {
		return realtime.RelayConfig{}, false, nil
	}
	if strings.TrimSpace(r.RedisURL) == "" {
		return realtime.RelayConfig{}, false, errors.New("realtime.relay.redis_url is required when the relay is enabled")
	}
	return realtime.RelayConfig{URL: r.RedisURL, Channel: r.Channel}, true, nil
}

// validateConfig rejects a config that any component would fail to map.
// It runs on load and before a hot reload is committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if _, err := mapDatabaseDriver(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapShutdownTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapRealtimeConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	return nil
}
