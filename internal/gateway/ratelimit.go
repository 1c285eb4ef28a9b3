package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter hands out one token bucket per client address. The table is
// bounded; when full, the least recently seen client is dropped.
type clientLimiter struct {
	perMinute int
	maxKeys   int
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute, maxKeys int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	return &clientLimiter{
		perMinute: perMinute,
		maxKeys:   maxKeys,
		now:       time.Now,
		clients:   make(map[string]*limiterEntry),
	}
}

func (c *clientLimiter) allow(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= c.maxKeys {
			c.evictOldest()
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMinute)), c.perMinute),
		}
		c.clients[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (c *clientLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.clients {
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = entry.lastSeen
		}
	}
	delete(c.clients, oldestKey)
}

func (c *clientLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// clientKey is the remote IP without port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
