package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agendacore/internal/config"
	logx "agendacore/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		config.EnvHTTPAddr, config.EnvDatabaseURL, config.EnvWebhookURL,
		config.EnvWebhookSecret, config.EnvInternalJWTSecret, config.EnvRedisURL,
	} {
		t.Setenv(k, "")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		return &config.Config{Reminder: config.ReminderConfig{Enabled: true, Rescan: "5m"}}
	}
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"postgres without url", func(c *config.Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"unknown db", func(c *config.Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"bad busy timeout", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}
		}, "storage.busy_timeout"},
		{"bad rescan", func(c *config.Config) { c.Reminder.Rescan = "whenever" }, "reminder.rescan"},
		{"bad timezone", func(c *config.Config) { c.Reminder.DefaultTimezone = "Mars/Base" }, "reminder.default_timezone"},
		{"bad webhook timeout", func(c *config.Config) { c.Webhook.Timeout = "-" }, "webhook.timeout"},
		{"negative rps", func(c *config.Config) { c.RateLimit.RPS = -1 }, "ratelimit.rps"},
		{"relative ws path", func(c *config.Config) { c.Realtime.Path = "ws" }, "realtime.path"},
		{"relay without url", func(c *config.Config) {
			c.Realtime.Relay = &config.RelayConfig{Enabled: true}
		}, "redis_url"},
		{"disabled relay without url", func(c *config.Config) {
			c.Realtime.Relay = &config.RelayConfig{}
		}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want contains %q", err, tt.want)
			}
		})
	}
}

func TestMapReminderDefaults(t *testing.T) {
	t.Parallel()
	rc, err := mapReminderConfig(&config.Config{Reminder: config.ReminderConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.Rescan.Every != 5*time.Minute || !rc.Enabled {
		t.Fatalf("rc=%+v", rc)
	}
}

func TestAppStartStop(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	p := writeConfig(t, `
server:
  addr: "127.0.0.1:0"
reminder:
  enabled: true
  rescan: 1m
storage:
  driver: file
  path: `+filepath.Join(dir, "ledger")+`
logging:
  level: error
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + a.http.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["status"] != "ok" {
		t.Fatalf("body=%v", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "database:\n  driver: oracle\n")
	if _, err := New(context.Background(), p); err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Fatalf("err=%v", err)
	}
}

func TestApplyConfigUpdatesLiveParts(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, `
server:
  addr: "127.0.0.1:0"
reminder:
  enabled: true
  rescan: 1m
logging:
  level: error
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	}()

	prev := a.cfgm.Current()
	next := *prev
	next.Reminder.Rescan = "2s"
	next.Reminder.Enabled = false
	next.RateLimit = config.RateLimitConfig{RPS: 1, Burst: 1}

	done := make(chan struct{})
	go func() {
		a.applyConfig(config.Diff(prev, &next))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("applyConfig did not return")
	}

	if !a.sched.Enabled() {
		t.Fatalf("reminders switched off without a restart")
	}

	url := "http://" + a.http.Addr() + "/webhook/lembrete"
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v want [200 429]", codes)
	}
}

func TestRunStopStepRespectsBudget(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	tests := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ignores ctx", func(context.Context) error { <-release; return nil }},
		{"panics", func(context.Context) error { panic("boom") }},
		{"fails", func(context.Context) error { return errors.New("nope") }},
	}
	for _, tt := range tests {
		began := time.Now()
		a.runStopStep(context.Background(), stopStep{name: tt.name, budget: 50 * time.Millisecond, fn: tt.fn})
		if took := time.Since(began); took > time.Second {
			t.Fatalf("%s: step blocked stop for %v", tt.name, took)
		}
	}
}
