package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "agendacore/pkg/logx"
)

const (
	// reloadDebounce lets editors finish multi-step saves before the file is read.
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

var errWatcherClosed = errors.New("config: file watcher closed")

// Manager owns the active config. Reload reads the file, overlays the
// environment, validates, and publishes the resulting Change to subscribers.
type Manager struct {
	path     string
	lookup   func(string) (string, bool)
	validate func(ctx context.Context, cfg *Config) error
	log      logx.Logger

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	subsMu sync.Mutex
	subs   map[int]chan Change
	nextID int
}

type ManagerOption func(*Manager)

// WithValidator rejects a config before it becomes active.
func WithValidator(fn func(ctx context.Context, cfg *Config) error) ManagerOption {
	return func(m *Manager) { m.validate = fn }
}

// WithEnv replaces os.LookupEnv for environment overrides.
func WithEnv(lookup func(string) (string, bool)) ManagerOption {
	return func(m *Manager) { m.lookup = lookup }
}

func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{path: path, lookup: os.LookupEnv, subs: map[int]chan Change{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetLogger is separate from the options because logging is configured by
// the file the manager loads.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Read returns the file with environment overrides applied. It does not
// validate or activate anything.
func (m *Manager) Read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	ApplyEnv(cfg, m.lookup)
	return cfg, nil
}

// Load reads, validates and activates the config. It is the startup path;
// nothing is published.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Read()
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur, m.hash = cfg, hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

// Current is the active config, nil before Load.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Reload re-reads the file. It reports false when the content (after env
// overrides) is unchanged. An invalid file leaves the active config alone.
func (m *Manager) Reload(ctx context.Context) (Change, bool, error) {
	next, err := m.Read()
	if err != nil {
		return Change{}, false, err
	}
	h := hashConfig(next)

	m.mu.RLock()
	prev, same := m.cur, h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return Change{}, false, nil
	}
	if err := m.check(ctx, next); err != nil {
		return Change{}, false, err
	}

	m.mu.Lock()
	m.cur, m.hash = next, h
	m.mu.Unlock()

	ch := Diff(prev, next)
	m.publish(ch)
	return ch, true, nil
}

func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := m.validate(vctx, cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Subscribe returns a channel of applied changes and a func that closes it.
// A subscriber that falls behind gets one merged Change instead of a backlog.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

// publish holds subsMu across sends so an unsubscribe cannot close a
// channel mid-send.
func (m *Manager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		merged := c
		select {
		case old := <-ch:
			merged = Diff(old.Prev, c.Next)
		default:
		}
		select {
		case ch <- merged:
		default:
			m.log.Warn("config change dropped; subscriber full")
		}
	}
}

// Watch reloads the config when its file changes. It returns nil when ctx
// ends and an error when the watcher breaks; the caller restarts it.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watch started", logx.String("path", m.path))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading")
				debounce.Reset(reloadDebounce)
				continue
			}
			return fmt.Errorf("config watch: %w", err)
		case <-debounce.C:
			m.reload(ctx)
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	ch, changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected; keeping active config", logx.String("path", m.path), logx.Err(err))
	case !changed:
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
	default:
		m.log.Debug("config change published", logx.Any("sections", ch.Sections))
	}
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
