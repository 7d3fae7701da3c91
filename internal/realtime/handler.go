package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	logx "agendacore/pkg/logx"
)

type HandlerConfig struct {
	SendBuffer     int
	AllowedOrigins []string // empty allows any origin
}

// Handler serves the notification WebSocket endpoint.
type Handler struct {
	reg    *Registry
	log    logx.Logger
	buffer int
	up     websocket.Upgrader
}

func NewHandler(reg *Registry, cfg HandlerConfig, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{reg: reg, log: log, buffer: cfg.SendBuffer}
	origins := normalizeOrigins(cfg.AllowedOrigins)
	h.up = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	c := newWSConn(ws, h.buffer, h.log)
	id := h.reg.Register(c)
	defer func() {
		h.reg.Unregister(id)
		_ = c.Close()
	}()
	go c.writeLoop()

	authed := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				h.log.Debug("read ended", logx.String("conn", id), logx.Err(err))
			}
			return
		}
		// Only the auth message is meaningful; everything after it is ignored.
		if authed {
			continue
		}
		claims, err := ParseAuth(data)
		if err != nil {
			h.log.Debug("auth ignored", logx.String("conn", id), logx.Err(err))
			continue
		}
		if err := h.reg.Authenticate(id, claims); err != nil {
			h.log.Debug("auth rejected", logx.String("conn", id), logx.Err(err))
			continue
		}
		authed = true
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, strings.ToLower(o))
		}
	}
	return out
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
