package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// GlobalRateLimiter combines a sliding acquisition window, a concurrency
// semaphore and a global cooldown set by upstream 429 responses. One instance
// is shared by all providers in a process.
type GlobalRateLimiter struct {
	mu           sync.Mutex
	maxRequests  int
	window       time.Duration
	acquisitions []time.Time
	blockedUntil time.Time

	sem chan struct{}
}

// NewGlobalRateLimiter allows maxRequests acquisitions per window and at most
// maxConcurrency requests in flight.
func NewGlobalRateLimiter(maxRequests int, window time.Duration, maxConcurrency int) *GlobalRateLimiter {
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &GlobalRateLimiter{
		maxRequests: maxRequests,
		window:      window,
		sem:         make(chan struct{}, maxConcurrency),
	}
}

// Acquire blocks until a slot is available, the window admits another request
// and any global cooldown has passed. Callers must Release.
func (l *GlobalRateLimiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		wait := l.nextWait()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-l.sem
			return ctx.Err()
		}
	}
}

// nextWait records an acquisition when admitted immediately, otherwise
// returns how long to wait before trying again.
func (l *GlobalRateLimiter) nextWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now)
	}

	cutoff := now.Add(-l.window)
	kept := l.acquisitions[:0]
	for _, t := range l.acquisitions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.acquisitions = kept

	if len(l.acquisitions) < l.maxRequests {
		l.acquisitions = append(l.acquisitions, now)
		return 0
	}
	return l.acquisitions[0].Sub(cutoff)
}

// Release frees a concurrency slot.
func (l *GlobalRateLimiter) Release() {
	<-l.sem
}

// SetBlocked starts a global cooldown. Used on upstream 429.
func (l *GlobalRateLimiter) SetBlocked(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
		slog.Warn("global rate limit cooldown set", "duration", d)
	}
}

// Blocked reports whether the cooldown is active.
func (l *GlobalRateLimiter) Blocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.blockedUntil)
}
