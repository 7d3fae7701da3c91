package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "agendacore/pkg/logx"
)

var ErrNoTarget = errors.New("realtime: event has no target")

// Event is a domain event to push. Data should be a JSON object.
type Event struct {
	Type    EventType `json:"type"`
	StaffID *int64    `json:"staffId,omitempty"`
	Data    any       `json:"data"`
}

// Target selects the receiving connections. A non-zero UserID routes by user
// identity and ignores the tenant; otherwise TenantID is required and Role
// optionally narrows it.
type Target struct {
	TenantID int64  `json:"establishmentId,omitempty"`
	Role     string `json:"role,omitempty"`
	UserID   int64  `json:"userId,omitempty"`
}

func (t Target) match() (func(Claims) bool, error) {
	switch {
	case t.UserID != 0:
		return func(c Claims) bool { return c.UserID == t.UserID }, nil
	case t.TenantID == 0:
		return nil, ErrNoTarget
	case strings.TrimSpace(t.Role) != "":
		role := strings.TrimSpace(t.Role)
		return func(c Claims) bool { return c.TenantID == t.TenantID && strings.EqualFold(c.Role, role) }, nil
	default:
		return func(c Claims) bool { return c.TenantID == t.TenantID }, nil
	}
}

func (t Target) scope() string {
	switch {
	case t.UserID != 0:
		return "user"
	case strings.TrimSpace(t.Role) != "":
		return "role"
	default:
		return "tenant"
	}
}

// Forwarder mirrors locally published events elsewhere (see Relay).
// Forward must not block.
type Forwarder interface {
	Forward(e Event, t Target)
}

type Broadcaster struct {
	reg *Registry
	log logx.Logger

	mu  sync.RWMutex
	fwd Forwarder
}

func NewBroadcaster(reg *Registry, log logx.Logger) *Broadcaster {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{reg: reg, log: log}
}

// SetForwarder installs (or with nil, removes) the forwarder used by Publish.
func (b *Broadcaster) SetForwarder(f Forwarder) {
	b.mu.Lock()
	b.fwd = f
	b.mu.Unlock()
}

func (b *Broadcaster) Broadcast(tenantID int64, typ EventType, data any) (int, error) {
	return b.Publish(Event{Type: typ, Data: data}, Target{TenantID: tenantID})
}

// BroadcastToRole is Broadcast narrowed to connections with the given role.
func (b *Broadcaster) BroadcastToRole(tenantID int64, role string, typ EventType, data any) (int, error) {
	if strings.TrimSpace(role) == "" {
		return 0, ErrNoTarget
	}
	return b.Publish(Event{Type: typ, Data: data}, Target{TenantID: tenantID, Role: role})
}

// BroadcastToUser reaches every connection of userID in any tenant.
func (b *Broadcaster) BroadcastToUser(userID int64, typ EventType, data any) (int, error) {
	if userID == 0 {
		return 0, ErrNoTarget
	}
	return b.Publish(Event{Type: typ, Data: data}, Target{UserID: userID})
}

// Publish delivers to local connections and hands the event to the
// forwarder, if any. It returns the number of local connections reached.
func (b *Broadcaster) Publish(e Event, t Target) (int, error) {
	n, err := b.Deliver(e, t)
	if err != nil {
		return 0, err
	}
	b.mu.RLock()
	fwd := b.fwd
	b.mu.RUnlock()
	if fwd != nil {
		fwd.Forward(e, t)
	}
	return n, nil
}

// Deliver pushes to local connections only.
func (b *Broadcaster) Deliver(e Event, t Target) (int, error) {
	if !e.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	match, err := t.match()
	if err != nil {
		return 0, err
	}
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	msg, err := json.Marshal(Message{Type: e.Type, Data: data, StaffID: e.StaffID})
	if err != nil {
		return 0, fmt.Errorf("realtime: encode %s: %w", e.Type, err)
	}

	sent := 0
	for _, p := range b.reg.Snapshot() {
		if !match(p.Claims) {
			continue
		}
		// A dead or slow peer only loses this message; removal is up to its handler.
		if err := p.Transport.Send(msg); err != nil {
			b.log.Debug("send skipped", logx.String("conn", p.ID), logx.Err(err))
			continue
		}
		sent++
	}
	b.log.Debug("event delivered",
		logx.String("type", string(e.Type)),
		logx.String("scope", t.scope()),
		logx.Int64("establishment", t.TenantID),
		logx.Int("sent", sent))
	return sent, nil
}
