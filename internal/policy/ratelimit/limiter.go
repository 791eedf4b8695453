// Package ratelimit paces outbound requests per host so the scraper keeps a
// fixed politeness delay between calls to the same wiki.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lostcityquiz/wikiscrape/internal/metrics"
)

// Limiter manages per-host pacing.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	burst    int
}

// Config holds limiter configuration.
type Config struct {
	// Interval is the minimum spacing between two requests to the same host.
	// Zero disables pacing.
	Interval time.Duration
	Burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: cfg.Interval,
		burst:    burst,
	}
}

// Interval reports the configured spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the host of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limit := rate.Inf
		if l.interval > 0 {
			limit = rate.Every(l.interval)
		}
		limiter = rate.NewLimiter(limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}
