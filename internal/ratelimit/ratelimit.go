// Package ratelimit implements fixed-window request throttling on top of the
// counter store's atomic increment.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/metrics"
)

const keyPrefix = "rl:"

var ErrRateLimited = errors.New("rate limit exceeded")

// Policy names a key scope together with its limit and window length.
type Policy struct {
	Name   string
	Limit  int64
	Window time.Duration
}

var (
	ReportGeneration  = Policy{Name: "report", Limit: 50, Window: 24 * time.Hour}
	ContentGeneration = Policy{Name: "content", Limit: 10, Window: 24 * time.Hour}
	IPFallback        = Policy{Name: "ip", Limit: 30, Window: time.Hour}
	AdminOperations   = Policy{Name: "admin", Limit: 5, Window: time.Minute}
)

type Result struct {
	Allowed   bool
	Count     int64
	Remaining int64
	Limit     int64
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait for the window to lapse.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed || r.ResetAt.IsZero() {
		return 0
	}
	return max(time.Until(r.ResetAt), 0)
}

type Limiter struct {
	store counterstore.Store
	now   func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source used to compute ResetAt.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store counterstore.Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request against key. Only the request that moves the
// counter from absent to 1 arms the window; a counter found without a TTL is
// re-armed so it cannot block forever. Store failures deny the request and
// return an error wrapping counterstore.ErrStoreUnavailable.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	res := Result{Limit: limit}
	storeKey := keyPrefix + key

	count, err := l.store.Incr(ctx, storeKey)
	if err != nil {
		return res, fmt.Errorf("rate limit %s: %w", key, err)
	}
	res.Count = count

	now := l.now()
	if count == 1 {
		if err := l.store.Expire(ctx, storeKey, window); err != nil {
			return res, fmt.Errorf("rate limit %s: arm window: %w", key, err)
		}
		res.ResetAt = now.Add(window)
	} else {
		ttl, err := l.store.TTL(ctx, storeKey)
		if err != nil {
			return res, fmt.Errorf("rate limit %s: %w", key, err)
		}
		if ttl < 0 {
			logger.Warn("Rate limit counter had no expiry, re-arming", map[string]interface{}{
				"key":   storeKey,
				"count": count,
			})
			if err := l.store.Expire(ctx, storeKey, window); err != nil {
				return res, fmt.Errorf("rate limit %s: re-arm window: %w", key, err)
			}
			ttl = window
		}
		res.ResetAt = now.Add(ttl)
	}

	res.Allowed = count <= limit
	res.Remaining = max(limit-count, 0)
	return res, nil
}

// CheckPolicy checks subject against p under the rl:<policy>:<subject> key.
func (l *Limiter) CheckPolicy(ctx context.Context, p Policy, subject string) (Result, error) {
	res, err := l.Check(ctx, p.Name+":"+subject, p.Limit, p.Window)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("ratelimit").Inc()
		logger.Error("Rate limiter store failure, denying request", map[string]interface{}{
			"policy": p.Name,
			"error":  err.Error(),
		})
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues(p.Name, metrics.Bool(res.Allowed)).Inc()
	return res, err
}
