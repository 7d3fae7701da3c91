// Package supervisor runs the service's background goroutines (HTTP server,
// config watcher, relay loops, rate limiter pruning) under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "agendacore/pkg/logx"
)

// PanicError is what a supervised goroutine's panic turns into.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Name, e.Value) }

// Supervisor ties named goroutines to one context. Panics are recovered and
// reported as errors; the first error is kept and, with WithCancelOnError,
// cancels everything else.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	failFast bool

	mu    sync.Mutex
	first error

	wg       sync.WaitGroup
	idleOnce sync.Once
	idle     chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing goroutine cancel the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.failFast = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, idle: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first goroutine failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for loops that have no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call runs fn and converts a panic into a *PanicError.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(pe.Stack)))
			err = pe
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(name string, err error) {
	var pe *PanicError
	if !errors.As(err, &pe) {
		err = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Lock()
	if s.first == nil {
		s.first = err
	}
	s.mu.Unlock()
	if s.failFast {
		s.cancel()
	}
}

// RestartOption configures GoRestart.
type RestartOption func(*backoff)

// WithRestartBackoff bounds the doubling wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(b *backoff) {
		if min > 0 {
			b.min = min
		}
		if max > 0 {
			b.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count;
// n <= 0 retries forever.
func WithMaxRestarts(n int) RestartOption { return func(b *backoff) { b.limit = n } }

type backoff struct {
	min, max time.Duration
	limit    int

	cur      time.Duration
	restarts int
}

// next returns the wait before the following attempt, or false once the
// restart limit is spent. A run that stayed up for healthyRun resets the wait.
func (b *backoff) next(ranFor time.Duration) (time.Duration, bool) {
	b.restarts++
	if b.limit > 0 && b.restarts > b.limit {
		return 0, false
	}
	if b.cur == 0 || ranFor >= healthyRun {
		b.cur = b.min
	} else {
		b.cur = min(b.cur*2, b.max)
	}
	// Up to 20% jitter so several restarting loops do not line up.
	jitter := time.Duration(time.Now().UnixNano() % int64(b.cur/5+1))
	return b.cur + jitter, true
}

const healthyRun = 30 * time.Second

// GoRestart runs fn again after every error or panic until it returns nil,
// the context ends, or WithMaxRestarts is exhausted. Giving up is logged
// but does not fail the supervisor: these are loops the service can live
// without (relay, config watch).
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	b := &backoff{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(b)
	}
	b.max = max(b.max, b.min)

	s.Go0(name, func(ctx context.Context) {
		for {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			wait, ok := b.next(time.Since(began))
			if !ok {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", b.restarts-1), logx.Err(err))
				return
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
