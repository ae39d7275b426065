package server

import (
	"sync"
	"time"
)

// joinLimiter throttles connection attempts per source IP with a sliding
// window. It is an abuse guard for the open LAN port, not authentication.
type joinLimiter struct {
	mu        sync.Mutex
	history   map[string][]time.Time
	limit     int
	interval  time.Duration
	lastSweep time.Time
}

func newJoinLimiter(limit int, interval time.Duration) *joinLimiter {
	return &joinLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (l *joinLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.interval)

	// Sources that never reconnect would otherwise pin their history
	// entry forever; sweep them out at most once per window.
	if now.Sub(l.lastSweep) > l.interval {
		l.sweep(windowStart)
		l.lastSweep = now
	}

	attempts := l.history[ip]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history[ip] = fresh
		return false
	}

	l.history[ip] = append(fresh, now)
	return true
}

// sweep drops every source whose attempts have all aged out of the
// window. Caller holds l.mu.
func (l *joinLimiter) sweep(windowStart time.Time) {
	for ip, attempts := range l.history {
		fresh := attempts[:0]
		for _, t := range attempts {
			if t.After(windowStart) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(l.history, ip)
		} else {
			l.history[ip] = fresh
		}
	}
}
