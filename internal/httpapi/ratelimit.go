package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	r       rate.Limit
	burst   int
	now     func() time.Time
}

func newIPLimiter(rl RateLimit) *ipLimiter {
	l := &ipLimiter{clients: map[string]*client{}, now: time.Now}
	l.Apply(rl)
	return l
}

// Apply changes the limit for new and existing clients.
func (l *ipLimiter) Apply(rl RateLimit) {
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r = rate.Limit(rl.RPS)
	l.burst = burst
	now := l.now()
	for _, c := range l.clients {
		c.lim.SetLimitAt(now, l.r)
		c.lim.SetBurstAt(now, l.burst)
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.r <= 0 {
		return true
	}
	now := l.now()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.r, l.burst)}
		l.clients[ip] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func (l *ipLimiter) prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cut := l.now().Add(-idle)
	n := 0
	for ip, c := range l.clients {
		if c.seen.Before(cut) {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			fail(c, http.StatusTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}
