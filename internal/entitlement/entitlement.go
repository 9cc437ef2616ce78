// Package entitlement maps a normalized email to its product grants. Tiers
// within a family only ever move up.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/metrics"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpgraded  Outcome = "upgraded"
	OutcomeUnchanged Outcome = "unchanged"
)

// FlagMirror receives every grant change for the relational access-flag
// table. An empty tier clears the flag.
type FlagMirror interface {
	SetAccessFlag(ctx context.Context, email, family, tier string) error
}

// Applied is one grant call's result inside a product or bundle purchase.
type Applied struct {
	Grant   models.Grant
	Outcome Outcome
}

type Resolver struct {
	store   counterstore.Store
	catalog *catalog.Catalog
	mirror  FlagMirror
	now     func() time.Time
}

type Option func(*Resolver)

func WithMirror(m FlagMirror) Option {
	return func(r *Resolver) { r.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store counterstore.Store, cat *catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{store: store, catalog: cat, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Catalog() *catalog.Catalog {
	return r.catalog
}

func grantKey(family, email string) string {
	return "grant:" + family + ":" + email
}

func indexKey(email string) string {
	return "grants:" + email
}

// Get returns the active grant for email in family.
func (r *Resolver) Get(ctx context.Context, email, family string) (models.Grant, bool, error) {
	email = models.NormalizeEmail(email)

	raw, ok, err := r.store.Get(ctx, grantKey(family, email))
	if err != nil || !ok {
		return models.Grant{}, false, err
	}

	var g models.Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return models.Grant{}, false, fmt.Errorf("decode grant: %w", err)
	}
	return g, true, nil
}

// Grant gives email access to family at tier. An equal or lower tier than
// the one already held leaves the existing grant untouched.
func (r *Resolver) Grant(ctx context.Context, email, family, tier, customerName string) (models.Grant, Outcome, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return models.Grant{}, "", ErrInvalidEmail
	}

	rank, err := r.catalog.Rank(family, tier)
	if err != nil {
		return models.Grant{}, "", err
	}

	existing, found, err := r.Get(ctx, email, family)
	if err != nil {
		return models.Grant{}, "", err
	}

	now := r.now().UTC()
	g := models.Grant{
		Email:        email,
		Family:       family,
		Tier:         tier,
		CustomerName: customerName,
		CreatedAt:    now,
	}
	outcome := OutcomeCreated

	if found {
		held, err := r.catalog.Rank(family, existing.Tier)
		// A tier no longer in the catalog ranks below everything.
		if err == nil && held >= rank {
			r.count(family, OutcomeUnchanged)
			return existing, OutcomeUnchanged, nil
		}
		g.CreatedAt = existing.CreatedAt
		g.UpgradedAt = &now
		if g.CustomerName == "" {
			g.CustomerName = existing.CustomerName
		}
		outcome = OutcomeUpgraded
	}

	data, err := json.Marshal(g)
	if err != nil {
		return models.Grant{}, "", fmt.Errorf("encode grant: %w", err)
	}
	if err := r.store.Set(ctx, grantKey(family, email), string(data), 0); err != nil {
		return models.Grant{}, "", fmt.Errorf("store grant: %w", err)
	}
	if outcome == OutcomeCreated {
		if err := r.store.ListAppend(ctx, indexKey(email), family); err != nil {
			return models.Grant{}, "", fmt.Errorf("index grant: %w", err)
		}
	}

	r.mirrorFlag(ctx, email, family, tier)
	r.count(family, outcome)

	logger.Info("Entitlement granted", map[string]interface{}{
		"email":   logger.MaskEmail(email),
		"family":  family,
		"tier":    tier,
		"outcome": string(outcome),
	})
	return g, outcome, nil
}

// ExpandBundle returns the family/tier pairs a bundle grants.
func (r *Resolver) ExpandBundle(bundleID string) ([]catalog.BundleItem, error) {
	b, err := r.catalog.Bundle(bundleID)
	if err != nil {
		return nil, err
	}
	items := make([]catalog.BundleItem, len(b.Items))
	copy(items, b.Items)
	return items, nil
}

// GrantBundle grants every constituent of bundleID. It stops at the first failure;
// grants already applied stay, and repeating the call is safe.
func (r *Resolver) GrantBundle(ctx context.Context, email, bundleID, customerName string) ([]Applied, error) {
	items, err := r.ExpandBundle(bundleID)
	if err != nil {
		return nil, err
	}

	applied := make([]Applied, 0, len(items))
	for _, item := range items {
		g, outcome, err := r.Grant(ctx, email, item.Family, item.Tier, customerName)
		if err != nil {
			return applied, fmt.Errorf("bundle %s: %w", bundleID, err)
		}
		applied = append(applied, Applied{Grant: g, Outcome: outcome})
	}
	return applied, nil
}

// GrantProduct applies a catalog product, expanding bundles.
func (r *Resolver) GrantProduct(ctx context.Context, email string, p catalog.Product, customerName string) ([]Applied, error) {
	if p.IsBundle() {
		return r.GrantBundle(ctx, email, p.Bundle, customerName)
	}

	g, outcome, err := r.Grant(ctx, email, p.Family, p.Tier, customerName)
	if err != nil {
		return nil, err
	}
	return []Applied{{Grant: g, Outcome: outcome}}, nil
}

// Grants lists every active grant for email.
func (r *Resolver) Grants(ctx context.Context, email string) ([]models.Grant, error) {
	email = models.NormalizeEmail(email)

	families, err := r.store.ListRange(ctx, indexKey(email), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	seen := make(map[string]bool, len(families))
	out := make([]models.Grant, 0, len(families))
	for _, family := range families {
		if seen[family] {
			continue
		}
		seen[family] = true

		g, ok, err := r.Get(ctx, email, family)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	return out, nil
}

// Resolve returns family → tier for every active grant of email.
func (r *Resolver) Resolve(ctx context.Context, email string) (map[string]string, error) {
	grants, err := r.Grants(ctx, email)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(grants))
	for _, g := range grants {
		out[g.Family] = g.Tier
	}
	return out, nil
}

// Revoke deletes email's grant for family and its index entry.
func (r *Resolver) Revoke(ctx context.Context, email, family string) (bool, error) {
	email = models.NormalizeEmail(email)
	if _, err := r.catalog.Family(family); err != nil {
		return false, err
	}

	existed, err := r.store.Delete(ctx, grantKey(family, email))
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	if err := r.store.ListRemove(ctx, indexKey(email), family); err != nil {
		return existed, fmt.Errorf("unindex grant: %w", err)
	}

	if existed {
		r.mirrorFlag(ctx, email, family, "")
		logger.Info("Entitlement revoked", map[string]interface{}{
			"email":  logger.MaskEmail(email),
			"family": family,
		})
	}
	return existed, nil
}

func (r *Resolver) mirrorFlag(ctx context.Context, email, family, tier string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SetAccessFlag(ctx, email, family, tier); err != nil {
		logger.Error("Failed to mirror access flag", map[string]interface{}{
			"email":  logger.MaskEmail(email),
			"family": family,
			"error":  err.Error(),
		})
	}
}

func (r *Resolver) count(family string, outcome Outcome) {
	metrics.GrantsTotal.WithLabelValues(family, string(outcome)).Inc()
}
