// Package retry decides how long to back off after a wiki answers 429.
package retry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter applies when the server sends no usable Retry-After.
const DefaultRetryAfter = 5 * time.Second

// Policy parses Retry-After headers. The 429 loop itself is unbounded; only
// cancellation ends it.
type Policy struct {
	Default time.Duration
	Now     func() time.Time
}

// New builds a Policy with the given fallback wait.
func New(def time.Duration) *Policy {
	if def <= 0 {
		def = DefaultRetryAfter
	}
	return &Policy{Default: def, Now: time.Now}
}

// RetryAfter converts a Retry-After header value (delta seconds or HTTP date)
// to a wait. Unparseable or past values yield the default.
func (p *Policy) RetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return p.Default
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return p.Default
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		if wait := at.Sub(now()); wait > 0 {
			return wait
		}
	}
	return p.Default
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
