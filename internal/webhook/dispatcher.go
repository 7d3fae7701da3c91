// Package webhook delivers fired reminders to the external automation endpoint.
//
// Delivery is a single bounded POST. There is no retry: a reminder that
// arrives late is worse than one that never arrives.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "agendacore/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Second
	SecretHeader   = "X-Webhook-Secret"
)

var ErrNoEndpoint = errors.New("webhook: no endpoint configured")

type Status int

const (
	StatusDelivered Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "failed"
}

// Result describes one delivery attempt. Err is set iff Status is StatusFailed.
type Result struct {
	Status     Status
	StatusCode int
	Err        error
	Took       time.Duration
}

func (r Result) Delivered() bool { return r.Status == StatusDelivered }

type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type Dispatcher struct {
	log    logx.Logger
	client *http.Client

	mu      sync.RWMutex
	cfg     Config
	applied bool
}

// New builds a dispatcher. client may be nil.
func New(cfg Config, client *http.Client, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if client == nil {
		client = &http.Client{}
	}
	d := &Dispatcher{log: log, client: client}
	d.Apply(cfg)
	return d
}

// Apply swaps endpoint and timeout at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	d.mu.Lock()
	warn := cfg.URL == "" && (!d.applied || d.cfg.URL != "")
	d.cfg = cfg
	d.applied = true
	d.mu.Unlock()

	if warn {
		d.log.Warn("webhook url not set; reminders will not be delivered")
	}
}

func (d *Dispatcher) Deliver(ctx context.Context, r Reminder) Result {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	start := time.Now()
	res := d.post(ctx, cfg, r)
	res.Took = time.Since(start)
	return res
}

func (d *Dispatcher) post(ctx context.Context, cfg Config, r Reminder) Result {
	if cfg.URL == "" {
		return failed(0, ErrNoEndpoint)
	}

	body, err := json.Marshal(r)
	if err != nil {
		return failed(0, fmt.Errorf("webhook: encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return failed(0, fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set(SecretHeader, cfg.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return failed(0, fmt.Errorf("webhook: send: %w", err))
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(resp.StatusCode, fmt.Errorf("webhook: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return Result{Status: StatusDelivered, StatusCode: resp.StatusCode}
}

func failed(code int, err error) Result {
	return Result{Status: StatusFailed, StatusCode: code, Err: err}
}
