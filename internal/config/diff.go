package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "agendacore/pkg/logx"
)

// Change describes one applied config reload.
type Change struct {
	Prev, Next *Config
	// Sections lists the top-level keys that differ, sorted.
	Sections []string
	// Restart is the subset of Sections that only take effect on restart.
	Restart []string
	// Fields summarize the new values for logging. Secrets and DSNs only
	// appear as "<name>_set" booleans.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Touches reports whether section changed.
func (c Change) Touches(section string) bool {
	return slices.Contains(c.Sections, section)
}

// Diff compares two configs section by section. A nil side counts as empty.
func Diff(prev, next *Config) Change {
	oldCfg, newCfg := prev, next
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		restart = append(restart, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int("server.cors_origins", len(newCfg.Server.CORSOrigins)),
		)
	}

	oRelay, nRelay := derefRelay(oldCfg.Realtime.Relay), derefRelay(newCfg.Realtime.Relay)
	if oldCfg.Realtime.Path != newCfg.Realtime.Path ||
		oldCfg.Realtime.SendBuffer != newCfg.Realtime.SendBuffer ||
		!reflect.DeepEqual(oldCfg.Realtime.AllowedOrigins, newCfg.Realtime.AllowedOrigins) ||
		oRelay != nRelay {
		changed = append(changed, "realtime")
		restart = append(restart, "realtime")
		attrs = append(attrs,
			logx.String("realtime.path", newCfg.Realtime.Path),
			logx.Int("realtime.send_buffer", newCfg.Realtime.SendBuffer),
			logx.Bool("realtime.relay_enabled", nRelay.Enabled),
			logx.Bool("realtime.relay_url_set", strings.TrimSpace(nRelay.RedisURL) != ""),
		)
	}

	if oldCfg.Reminder != newCfg.Reminder {
		changed = append(changed, "reminder")
		if oldCfg.Reminder.Enabled != newCfg.Reminder.Enabled {
			restart = append(restart, "reminder")
		}
		attrs = append(attrs,
			logx.Bool("reminder.enabled", newCfg.Reminder.Enabled),
			logx.String("reminder.rescan", strings.TrimSpace(newCfg.Reminder.Rescan)),
			logx.String("reminder.timezone", strings.TrimSpace(newCfg.Reminder.Timezone)),
			logx.String("reminder.default_timezone", strings.TrimSpace(newCfg.Reminder.DefaultTimezone)),
		)
	}

	// Webhook (never log the secret; the URL may embed credentials too)
	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.url_set", strings.TrimSpace(newCfg.Webhook.URL) != ""),
			logx.Bool("webhook.secret_set", strings.TrimSpace(newCfg.Webhook.Secret) != ""),
			logx.String("webhook.timeout", strings.TrimSpace(newCfg.Webhook.Timeout)),
		)
	}

	if oldCfg.Database != newCfg.Database {
		changed = append(changed, "database")
		restart = append(restart, "database")
		attrs = append(attrs,
			logx.String("database.driver", strings.TrimSpace(newCfg.Database.Driver)),
			logx.Bool("database.url_set", strings.TrimSpace(newCfg.Database.URL) != ""),
		)
	}

	// Storage: nil means disabled.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Internal != newCfg.Internal {
		changed = append(changed, "internal")
		restart = append(restart, "internal")
		attrs = append(attrs, logx.Bool("internal.jwt_secret_set", strings.TrimSpace(newCfg.Internal.JWTSecret) != ""))
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.Any("ratelimit.rps", newCfg.RateLimit.RPS),
			logx.Int("ratelimit.burst", newCfg.RateLimit.Burst),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return Change{Prev: prev, Next: next, Sections: changed, Restart: restart, Fields: attrs}
}

func derefRelay(r *RelayConfig) RelayConfig {
	if r == nil {
		return RelayConfig{}
	}
	return *r
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
