package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default limit on failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of IPs remembered at once.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client IP. Only
// failures are counted, so a client holding a valid key is never slowed down.
type RateLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	now           func() time.Time
	cancel        context.CancelFunc
}

// NewRateLimiter creates a limiter allowing maxPerMinute failures per IP.
// Pass 0 to use DefaultMaxAttemptsPerMinute. The background sweep stops when
// ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		now:           time.Now,
		cancel:        cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// RecordFailureAndAllow records a failed attempt for ip and reports whether
// the attempt is still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[ip]
	if !ok {
		if len(rl.entries) >= rl.maxTrackedIPs {
			rl.evictOldestLocked()
		}
		e = &ipEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs currently remembered.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, e := range rl.entries {
		if oldestIP == "" || e.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, e.lastSeen
		}
	}
	delete(rl.entries, oldestIP)
}

// ExtractIP strips the port from a RemoteAddr string.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
