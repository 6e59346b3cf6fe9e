package kernel

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultKeyRateLimit is the per-minute window limit for keys that carry no
// override of their own.
const DefaultKeyRateLimit = 60

// actionRateOverrides is the static per-action table. Destructive and
// money-moving actions get tight windows; IAM writes slightly wider.
func actionRateOverride(action string) (int, bool) {
	switch {
	case strings.HasSuffix(action, ".delete"), strings.Contains(action, ".refunds."):
		return 10, true
	case strings.HasPrefix(action, "iam.") && !strings.HasSuffix(action, ".list") && !strings.HasSuffix(action, ".get"):
		return 20, true
	}
	return 0, false
}

// EffectiveRateLimit computes min(per-key default, per-action override).
func EffectiveRateLimit(action string, keyLimit int) int {
	if keyLimit <= 0 {
		keyLimit = DefaultKeyRateLimit
	}
	if override, ok := actionRateOverride(action); ok && override < keyLimit {
		return override
	}
	return keyLimit
}

type rateWindow struct {
	start time.Time
	count int
}

// FixedWindowLimiter is the in-memory RateLimitAdapter: a fixed one-minute
// window counter per (api_key_id, action) behind a single mutex.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	size    time.Duration
	now     func() time.Time
}

// NewFixedWindowLimiter creates a limiter with one-minute windows.
func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{
		windows: make(map[string]*rateWindow),
		size:    time.Minute,
		now:     time.Now,
	}
}

// Check atomically increments the window counter and reports the result.
func (l *FixedWindowLimiter) Check(ctx context.Context, apiKeyID, action string, limit int) (*RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := apiKeyID + "\x1f" + action
	now := l.now()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.size {
		w = &rateWindow{start: now}
		l.windows[key] = w
	}

	if w.count >= limit {
		return &RateLimitResult{Allowed: false, Limit: limit, Remaining: 0}, nil
	}
	w.count++
	return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit - w.count}, nil
}
