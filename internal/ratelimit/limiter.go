// Package ratelimit enforces the four-window quota attached to each
// credential: burst (10 s), minute, hour, and day. Counters live in Redis as
// fixed-window buckets; the check and the increments each take one pipelined
// round trip.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/claimspipe/backend/internal/database"
)

// Window names, ordered shortest to longest.
const (
	WindowBurst  = "burst"
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

var windowLengths = map[string]time.Duration{
	WindowBurst:  10 * time.Second,
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
}

var windowOrder = []string{WindowBurst, WindowMinute, WindowHour, WindowDay}

// Result is the outcome of one quota check.
type Result struct {
	Allowed   bool
	Window    string // limiting window: the refused one, or the tightest remaining
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the limiting window resets, rounded up.
func (r Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// Limiter checks and consumes quota. When Redis is unavailable it fails open
// for all but the minute window, which falls back to an in-process counter;
// the degraded state is observable via Healthy().
type Limiter struct {
	rdb      *redis.Client
	logger   *log.Logger
	degraded atomic.Bool

	mu       sync.Mutex
	fallback map[string]*fallbackWindow
}

type fallbackWindow struct {
	count       int
	windowStart time.Time
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{
		rdb:      rdb,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		fallback: make(map[string]*fallbackWindow),
	}
}

// Healthy reports whether the backing store answered the last check.
func (l *Limiter) Healthy() bool { return !l.degraded.Load() }

// Ping probes the backing store.
func (l *Limiter) Ping(ctx context.Context) error {
	if l.rdb == nil {
		return fmt.Errorf("rate limit store not configured")
	}
	return l.rdb.Ping(ctx).Err()
}

func limitFor(p database.RateLimitProfile, window string) int {
	switch window {
	case WindowBurst:
		return p.Burst
	case WindowMinute:
		return p.Minute
	case WindowHour:
		return p.Hour
	default:
		return p.Day
	}
}

func bucketKey(credID, window string, now time.Time) (string, time.Time) {
	length := windowLengths[window]
	idx := now.UnixMilli() / length.Milliseconds()
	reset := time.UnixMilli((idx + 1) * length.Milliseconds())
	return fmt.Sprintf("rate_limit:%s:%s:%d", credID, window, idx), reset
}

// TryConsume checks all four windows and, if none is exhausted, increments
// all four. Refusal returns the most restrictive exceeded window (the one
// with the latest reset).
func (l *Limiter) TryConsume(ctx context.Context, credID string, profile database.RateLimitProfile) (Result, error) {
	if l.rdb == nil {
		return l.consumeFallback(credID, profile), nil
	}
	now := time.Now()

	keys := make([]string, len(windowOrder))
	resets := make([]time.Time, len(windowOrder))
	for i, w := range windowOrder {
		keys[i], resets[i] = bucketKey(credID, w, now)
	}

	pipe := l.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		gets[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		l.markDegraded(err)
		return l.consumeFallback(credID, profile), nil
	}
	l.markHealthy()

	counts := make([]int, len(keys))
	for i, g := range gets {
		if v, err := g.Int(); err == nil {
			counts[i] = v
		}
	}

	// Refuse on the exceeded window with the latest reset.
	refused := Result{Allowed: true}
	for i, w := range windowOrder {
		limit := limitFor(profile, w)
		if limit > 0 && counts[i] >= limit {
			if refused.Allowed || resets[i].After(refused.ResetAt) {
				refused = Result{Allowed: false, Window: w, Limit: limit, Remaining: 0, ResetAt: resets[i]}
			}
		}
	}
	if !refused.Allowed {
		return refused, nil
	}

	incr := l.rdb.Pipeline()
	for i, k := range keys {
		incr.Incr(ctx, k)
		// TTL slightly longer than the window so a bucket never lingers.
		incr.Expire(ctx, k, windowLengths[windowOrder[i]]+10*time.Second)
	}
	if _, err := incr.Exec(ctx); err != nil {
		l.markDegraded(err)
		return l.consumeFallback(credID, profile), nil
	}

	// Report the tightest window after this consumption.
	out := Result{Allowed: true, Window: WindowBurst, Limit: limitFor(profile, WindowBurst)}
	out.Remaining = out.Limit - counts[0] - 1
	out.ResetAt = resets[0]
	for i, w := range windowOrder {
		limit := limitFor(profile, w)
		remaining := limit - counts[i] - 1
		if remaining < out.Remaining {
			out = Result{Allowed: true, Window: w, Limit: limit, Remaining: remaining, ResetAt: resets[i]}
		}
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	return out, nil
}

func (l *Limiter) markDegraded(err error) {
	if l.degraded.CompareAndSwap(false, true) {
		l.logger.Printf("⚠️ rate-limit store unavailable, failing open (minute window only): %v", err)
	}
}

func (l *Limiter) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) {
		l.logger.Printf("rate-limit store recovered")
	}
}

// consumeFallback enforces only the minute window with an in-process fixed
// window. All other windows fail open.
func (l *Limiter) consumeFallback(credID string, profile database.RateLimitProfile) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.fallback[credID]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		w = &fallbackWindow{windowStart: now}
		l.fallback[credID] = w
	}
	reset := w.windowStart.Add(time.Minute)
	limit := profile.Minute
	if limit > 0 && w.count >= limit {
		return Result{Allowed: false, Window: WindowMinute, Limit: limit, Remaining: 0, ResetAt: reset}
	}
	w.count++
	remaining := limit - w.count
	if limit == 0 {
		remaining = 0
	}
	return Result{Allowed: true, Window: WindowMinute, Limit: limit, Remaining: remaining, ResetAt: reset}
}
