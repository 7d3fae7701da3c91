package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	rtsup "agendacore/internal/runtime/supervisor"
	logx "agendacore/pkg/logx"
)

const (
	DefaultRelayChannel = "agendacore:events"
	relayQueue          = 256
	relayPublishTimeout = 3 * time.Second
)

type RelayConfig struct {
	URL     string
	Channel string
}

// envelope is the pub/sub payload. Origin lets an instance skip its own
// events, which it has already delivered locally.
type envelope struct {
	Origin  string          `json:"origin"`
	Type    EventType       `json:"type"`
	StaffID *int64          `json:"staffId,omitempty"`
	Data    json.RawMessage `json:"data"`
	Target  Target          `json:"target"`
}

// Relay mirrors events between instances that share a Redis channel, so a
// mutation handled by one instance reaches connections held by the others.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	b       *Broadcaster
	log     logx.Logger

	out chan []byte

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewRelay(cfg RelayConfig, b *Broadcaster, log logx.Logger) (*Relay, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("realtime: relay redis url: %w", err)
	}
	ch := strings.TrimSpace(cfg.Channel)
	if ch == "" {
		ch = DefaultRelayChannel
	}
	return &Relay{
		client:  redis.NewClient(opts),
		channel: ch,
		origin:  uuid.NewString(),
		b:       b,
		log:     log,
		out:     make(chan []byte, relayQueue),
	}, nil
}

// Forward queues an event for publication. A full queue drops the event.
func (r *Relay) Forward(e Event, t Target) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		r.log.Warn("relay encode failed", logx.String("type", string(e.Type)), logx.Err(err))
		return
	}
	payload, err := json.Marshal(envelope{Origin: r.origin, Type: e.Type, StaffID: e.StaffID, Data: data, Target: t})
	if err != nil {
		r.log.Warn("relay encode failed", logx.String("type", string(e.Type)), logx.Err(err))
		return
	}
	select {
	case r.out <- payload:
	default:
		r.log.Warn("relay queue full; event not forwarded", logx.String("type", string(e.Type)))
	}
}

// Start pings Redis, installs the relay as the broadcaster's forwarder and
// runs the subscribe and publish loops under a supervisor.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pctx).Err(); err != nil {
		return fmt.Errorf("realtime: relay ping: %w", err)
	}

	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.sup.GoRestart("relay.subscribe", r.subscribe, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	r.sup.GoRestart("relay.publish", r.publish, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	r.b.SetForwarder(r)
	r.log.Info("relay started", logx.String("channel", r.channel))
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.b.SetForwarder(nil)
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	return errors.Join(err, r.client.Close())
}

func (r *Relay) subscribe(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *Relay) publish(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-r.out:
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			err := r.client.Publish(pctx, r.channel, payload).Err()
			cancel()
			if err != nil {
				// Dropped; the loop keeps going.
				r.log.Warn("relay publish failed", logx.Err(err))
			}
		}
	}
}

func (r *Relay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Debug("relay message ignored", logx.Err(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	var data any
	if len(env.Data) > 0 {
		data = env.Data
	}
	if _, err := r.b.Deliver(Event{Type: env.Type, StaffID: env.StaffID, Data: data}, env.Target); err != nil {
		r.log.Debug("relay event rejected", logx.String("type", string(env.Type)), logx.Err(err))
	}
}
