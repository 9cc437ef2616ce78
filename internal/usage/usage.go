// Package usage enforces per-email monthly generation quotas. The decision is
// taken on the value returned by an atomic increment, never on a prior read.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/metrics"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

const (
	// TierNone is reported for emails without a grant in the tracked family.
	TierNone = "none"

	periodLayout = "2006-01"
	counterTTL   = 32 * 24 * time.Hour
	abuseTTL     = 24 * time.Hour
)

var (
	ErrInvalidEmail  = errors.New("a valid email is required")
	ErrQuotaExceeded = errors.New("usage quota exceeded")
)

// GrantSource is the slice of the entitlement resolver the tracker needs.
type GrantSource interface {
	Get(ctx context.Context, email, family string) (models.Grant, bool, error)
}

type Status struct {
	Allowed      bool      `json:"allowed"`
	CurrentUsage int64     `json:"currentUsage"`
	Limit        int64     `json:"limit"`
	Remaining    int64     `json:"remaining"`
	Tier         string    `json:"tier"`
	Period       string    `json:"period"`
	ResetAt      time.Time `json:"resetAt"`
}

func (s Status) Counter(email, family string) models.UsageCounter {
	return models.UsageCounter{
		Email:       email,
		Family:      family,
		Period:      s.Period,
		ReportCount: s.CurrentUsage,
		Limit:       s.Limit,
	}
}

type Tracker struct {
	store   counterstore.Store
	grants  GrantSource
	catalog *catalog.Catalog
	family  string
	now     func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker meters family; quotas come from each tier's report_quota.
func NewTracker(store counterstore.Store, grants GrantSource, cat *catalog.Catalog, family string, opts ...Option) *Tracker {
	t := &Tracker{store: store, grants: grants, catalog: cat, family: family, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Family() string {
	return t.family
}

func (t *Tracker) period() (string, time.Time) {
	now := t.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return now.Format(periodLayout), start.AddDate(0, 1, 0)
}

func (t *Tracker) key(email, period string) string {
	return "usage:" + t.family + ":" + email + ":" + period
}

func (t *Tracker) limitFor(ctx context.Context, email string) (string, int64, error) {
	g, ok, err := t.grants.Get(ctx, email, t.family)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return TierNone, 0, nil
	}

	tier, err := t.catalog.Tier(t.family, g.Tier)
	if err != nil {
		return g.Tier, 0, err
	}
	return g.Tier, tier.ReportQuota, nil
}

func (t *Tracker) status(tier string, limit, used int64, period string, resetAt time.Time) Status {
	return Status{
		Allowed:      used < limit,
		CurrentUsage: used,
		Limit:        limit,
		Remaining:    max(limit-used, 0),
		Tier:         tier,
		Period:       period,
		ResetAt:      resetAt,
	}
}

// Check reports the current period's usage. It is advisory; Increment decides.
func (t *Tracker) Check(ctx context.Context, email string) (Status, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return Status{}, ErrInvalidEmail
	}

	tier, limit, err := t.limitFor(ctx, email)
	if err != nil {
		return Status{}, err
	}

	period, resetAt := t.period()
	raw, ok, err := t.store.Get(ctx, t.key(email, period))
	if err != nil {
		return Status{}, err
	}

	var used int64
	if ok {
		if used, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Status{}, fmt.Errorf("usage counter %q: %w", raw, counterstore.ErrNotInteger)
		}
	}
	return t.status(tier, limit, used, period, resetAt), nil
}

// Increment consumes one unit of quota. When the incremented value exceeds
// the limit the unit is handed back and ErrQuotaExceeded is returned along
// with the status.
func (t *Tracker) Increment(ctx context.Context, email string) (Status, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return Status{}, ErrInvalidEmail
	}

	tier, limit, err := t.limitFor(ctx, email)
	if err != nil {
		return Status{}, err
	}

	period, resetAt := t.period()
	key := t.key(email, period)

	n, err := t.store.Incr(ctx, key)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("usage").Inc()
		return Status{}, fmt.Errorf("increment usage: %w", err)
	}
	if n == 1 {
		if err := t.store.Expire(ctx, key, counterTTL); err != nil {
			logger.Warn("Failed to set usage counter expiry", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if n <= limit {
		metrics.UsageIncrementsTotal.WithLabelValues("true").Inc()
		st := t.status(tier, limit, n, period, resetAt)
		st.Allowed = true
		return st, nil
	}

	metrics.UsageIncrementsTotal.WithLabelValues("false").Inc()
	used, err := t.store.Decr(ctx, key)
	if err != nil {
		logger.Error("Failed to compensate denied usage increment", map[string]interface{}{
			"email": logger.MaskEmail(email),
			"error": err.Error(),
		})
		used = n
	}
	t.flagAbuse(ctx, email)

	st := t.status(tier, limit, used, period, resetAt)
	st.Allowed = false
	return st, ErrQuotaExceeded
}

// Release hands back one unit after a successful Increment whose downstream
// work failed. The counter never drops below zero.
func (t *Tracker) Release(ctx context.Context, email string) (Status, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return Status{}, ErrInvalidEmail
	}

	tier, limit, err := t.limitFor(ctx, email)
	if err != nil {
		return Status{}, err
	}

	period, resetAt := t.period()
	key := t.key(email, period)

	n, err := t.store.Decr(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("release usage: %w", err)
	}
	if n < 0 {
		if n, err = t.store.Incr(ctx, key); err != nil {
			return Status{}, fmt.Errorf("release usage: %w", err)
		}
		if n == 0 {
			// Decr on a missing key created one without expiry.
			_ = t.store.Expire(ctx, key, counterTTL)
		}
	}
	return t.status(tier, limit, n, period, resetAt), nil
}

func (t *Tracker) flagAbuse(ctx context.Context, email string) {
	key := "abuse:" + email
	n, err := t.store.Incr(ctx, key)
	if err != nil {
		logger.Warn("Failed to record quota abuse", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if n == 1 {
		_ = t.store.Expire(ctx, key, abuseTTL)
	}
	logger.Warn("Usage quota exceeded", map[string]interface{}{
		"email":    logger.MaskEmail(email),
		"family":   t.family,
		"attempts": n,
	})
}
