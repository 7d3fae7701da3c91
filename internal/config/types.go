package config

// Config is the root of the service configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Reminder  ReminderConfig  `json:"reminder"`
	Webhook   WebhookConfig   `json:"webhook"`
	Database  DatabaseConfig  `json:"database"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Internal  InternalConfig  `json:"internal"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig controls the public HTTP listener.
//
// Defaults:
//   - addr: ":8080"
//   - read_header_timeout: "5s"
//   - shutdown_timeout: "10s"
type ServerConfig struct {
	Addr              string   `json:"addr,omitempty"`
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`
	CORSOrigins       []string `json:"cors_origins,omitempty"`
}

// RealtimeConfig controls the notification channel.
type RealtimeConfig struct {
	Path           string       `json:"path,omitempty"`        // default: "/ws"
	SendBuffer     int          `json:"send_buffer,omitempty"` // per-connection outbound queue, default 32
	AllowedOrigins []string     `json:"allowed_origins,omitempty"`
	Relay          *RelayConfig `json:"relay,omitempty"`
}

// RelayConfig enables cross-instance fan-out over Redis pub/sub.
//
// Example:
//
//	"relay": { "enabled": true, "redis_url": "redis://localhost:6379/0" }
type RelayConfig struct {
	Enabled  bool   `json:"enabled"`
	RedisURL string `json:"redis_url,omitempty"` // do not log
	Channel  string `json:"channel,omitempty"`   // default: "agendacore:events"
}

// ReminderConfig controls the reminder scheduler.
//
// Rescan accepts a Go duration ("5m"), a cron expression ("*/5 * * * *") or
// an HH:MM interval ("01:30" is every 90 minutes). Timezone is the zone used
// to evaluate cron rescans; DefaultTimezone is used for establishments without
// a configured zone.
type ReminderConfig struct {
	Enabled         bool   `json:"enabled"`
	Rescan          string `json:"rescan,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// WebhookConfig controls reminder delivery to the external automation endpoint.
type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Secret  string `json:"secret,omitempty"`  // sent as X-Webhook-Secret, do not log
	Timeout string `json:"timeout,omitempty"` // default: "10s"
}

// DatabaseConfig selects the appointment/establishment store.
//
// Driver is "postgres" or "memory".
type DatabaseConfig struct {
	Driver   string `json:"driver,omitempty"`
	URL      string `json:"url,omitempty"` // do not log
	MaxConns int    `json:"max_conns,omitempty"`
}

// StorageConfig controls the reminder ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./agendacore.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// InternalConfig protects the /internal ingest API.
// An empty secret disables the API.
type InternalConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"` // do not log
}

// RateLimitConfig is the per-IP limiter for public webhook endpoints.
// RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `json:"rps,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
