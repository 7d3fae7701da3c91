package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "agendacore/pkg/logx"
)

var (
	ErrUnknownConnection    = errors.New("realtime: unknown connection")
	ErrAlreadyAuthenticated = errors.New("realtime: connection already authenticated")
	ErrInvalidClaims        = errors.New("realtime: invalid claims")
)

// Transport is the outbound half of a live connection. Send must not block.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// State is either Connecting or Authenticated.
type State interface{ isState() }

type Connecting struct{}

type Authenticated struct {
	Claims Claims
	Since  time.Time
}

func (Connecting) isState()    {}
func (Authenticated) isState() {}

type conn struct {
	id        string
	transport Transport
	state     State
	opened    time.Time
}

// Peer is an authenticated connection as seen by a broadcast snapshot.
type Peer struct {
	ID        string
	Claims    Claims
	Transport Transport
}

// Registry tracks every live connection. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*conn
	authn int

	log logx.Logger
	now func() time.Time
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{conns: map[string]*conn{}, log: log, now: time.Now}
}

// Register adds a connection in the Connecting state and returns its id.
func (r *Registry) Register(t Transport) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = &conn{id: id, transport: t, state: Connecting{}, opened: r.now()}
	n := len(r.conns)
	r.mu.Unlock()
	r.log.Debug("connection registered", logx.String("conn", id), logx.Int("connections", n))
	return id
}

// Authenticate moves a Connecting connection to Authenticated. The claims of
// an authenticated connection never change.
func (r *Registry) Authenticate(id string, c Claims) error {
	if !c.valid() {
		return ErrInvalidClaims
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cn, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if _, ok := cn.state.(Connecting); !ok {
		return ErrAlreadyAuthenticated
	}
	cn.state = Authenticated{Claims: c, Since: r.now()}
	r.authn++
	r.log.Debug("connection authenticated",
		logx.String("conn", id),
		logx.Int64("establishment", c.TenantID),
		logx.Int64("user", c.UserID),
		logx.String("role", c.Role))
	return nil
}

// Unregister removes a connection. It reports whether the id was known.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	cn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if _, authd := cn.state.(Authenticated); authd {
			r.authn--
		}
	}
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		r.log.Debug("connection unregistered",
			logx.String("conn", id),
			logx.Duration("age", r.now().Sub(cn.opened)),
			logx.Int("connections", n))
	}
	return ok
}

// State returns the current state of a connection.
func (r *Registry) State(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return cn.state, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Authenticated returns the number of authenticated connections.
func (r *Registry) Authenticated() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authn
}

// Snapshot copies the authenticated connections. Connections registered or
// removed after the call do not affect the returned slice.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, r.authn)
	for id, cn := range r.conns {
		if a, ok := cn.state.(Authenticated); ok {
			out = append(out, Peer{ID: id, Claims: a.Claims, Transport: cn.transport})
		}
	}
	r.mu.RUnlock()
	return out
}

// TenantCounts returns authenticated connections per establishment, sorted by id.
func (r *Registry) TenantCounts() []TenantCount {
	counts := map[int64]int{}
	for _, p := range r.Snapshot() {
		counts[p.Claims.TenantID]++
	}
	out := make([]TenantCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, TenantCount{EstablishmentID: id, Connections: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EstablishmentID < out[j].EstablishmentID })
	return out
}

type TenantCount struct {
	EstablishmentID int64 `json:"establishment_id"`
	Connections     int   `json:"connections"`
}

// CloseAll closes every transport. The transport handlers unregister their
// connections as their read loops end.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ts := make([]Transport, 0, len(r.conns))
	for _, cn := range r.conns {
		ts = append(ts, cn.transport)
	}
	r.mu.RUnlock()
	for _, t := range ts {
		_ = t.Close()
	}
}
