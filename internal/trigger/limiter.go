package trigger

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits wakes per identifier. A nil *Limiter allows everything.
type Limiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

// NewLimiter allows one wake per interval for each identifier, with the
// given burst. interval <= 0 disables limiting and returns nil.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if interval <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limit: rate.Every(interval), burst: burst, m: map[string]*rate.Limiter{}}
}

func (l *Limiter) Allow(id string) bool {
	return l.AllowAt(id, time.Now())
}

func (l *Limiter) AllowAt(id string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim := l.m[id]
	if lim == nil {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[id] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
