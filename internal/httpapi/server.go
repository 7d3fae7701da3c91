package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"agendacore/internal/realtime"
	"agendacore/internal/reminder"
	rtsup "agendacore/internal/runtime/supervisor"
	"agendacore/internal/store"
	logx "agendacore/pkg/logx"
)

const (
	defaultAddr              = ":8080"
	defaultWSPath            = "/ws"
	defaultReadHeaderTimeout = 10 * time.Second
	limiterIdle              = 3 * time.Minute
)

type RateLimit struct {
	RPS   float64 // <= 0 disables limiting
	Burst int
}

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	CORSOrigins       []string
	WSPath            string
	JWTSecret         string // empty leaves /internal unmounted
	RateLimit         RateLimit
}

// Reminders is the slice of the reminder scheduler the API needs.
type Reminders interface {
	Sync(ctx context.Context, appointmentID int64) (reminder.Job, error)
	Cancel(appointmentID int64) bool
	Job(appointmentID int64) (reminder.Job, bool)
	Snapshot() map[string]int
	Zone(ctx context.Context, establishmentID int64) *time.Location
}

type Deps struct {
	Registry       *realtime.Registry
	Broadcaster    *realtime.Broadcaster
	Realtime       http.Handler // WebSocket endpoint; nil leaves it unmounted
	Reminders      Reminders
	Appointments   store.AppointmentStore
	Establishments store.EstablishmentStore
}

type Option func(*Server)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

type Server struct {
	cfg     Config
	d       Deps
	log     logx.Logger
	now     func() time.Time
	limiter *ipLimiter
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, d Deps, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg,
		d:       d,
		log:     log,
		now:     time.Now,
		limiter: newIPLimiter(cfg.RateLimit),
	}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(recovery(s.log), requestLog(s.log))

	r.GET("/health", s.health)
	if s.d.Realtime != nil {
		path := strings.TrimSpace(s.cfg.WSPath)
		if path == "" {
			path = defaultWSPath
		}
		r.GET(path, gin.WrapH(s.d.Realtime))
	}

	wh := r.Group("/webhook", s.limiter.middleware())
	wh.GET("/lembrete", s.lembretes)
	wh.GET("/upcoming-appointments/:establishmentId", s.upcoming)
	wh.GET("/upcoming-appointments/:establishmentId/:clientId", s.upcomingForClient)

	if secret := strings.TrimSpace(s.cfg.JWTSecret); secret != "" {
		in := r.Group("/internal", jwtAuth(secret))
		in.POST("/events", s.publishEvent)
		in.POST("/appointments/:id/sync", s.syncAppointment)
		in.GET("/appointments/:id/reminder", s.getReminder)
		in.DELETE("/appointments/:id/reminder", s.cancelReminder)
		in.GET("/stats", s.stats)
	} else {
		s.log.Warn("internal API disabled: no jwt secret configured")
	}

	if len(s.cfg.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

// Handler returns the full HTTP handler, including CORS.
func (s *Server) Handler() http.Handler { return s.handler }

// ApplyRateLimit swaps the per-IP limit on the webhook endpoints.
func (s *Server) ApplyRateLimit(rl RateLimit) { s.limiter.Apply(rl) }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener synchronously so a bad address fails startup, then
// serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	rht := s.cfg.ReadHeaderTimeout
	if rht <= 0 {
		rht = defaultReadHeaderTimeout
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: rht}

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.srv = srv
	s.addr = ln.Addr().String()

	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
			return err
		}
		return nil
	})
	s.sup.Go0("ratelimit.prune", func(ctx context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.limiter.prune(limiterIdle)
			}
		}
	})
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// Stop drains in-flight requests. Hijacked WebSocket connections are not
// tracked by the server; the registry closes them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	return errors.Join(err, sup.Stop(ctx))
}
