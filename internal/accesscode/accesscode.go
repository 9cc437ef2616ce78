// Package accesscode manages single-use invite codes.
package accesscode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/logger"
	"github.com/ecoffie/market-assassin-sub003/internal/models"
	"github.com/ecoffie/market-assassin-sub003/internal/token"
)

const (
	keyPrefix      = "access:"
	listKey        = "access:all"
	consumedSuffix = ":consumed"

	groupSize   = 4
	groupCount  = 4
	maxAttempts = 3
)

// Generate returns a fresh code formatted as XXXX-XXXX-XXXX-XXXX.
func Generate() (string, error) {
	raw, err := token.Random(groupSize * groupCount)
	if err != nil {
		return "", err
	}

	groups := make([]string, 0, groupCount)
	for i := 0; i < len(raw); i += groupSize {
		groups = append(groups, raw[i:i+groupSize])
	}
	return strings.Join(groups, "-"), nil
}

// Normalize upper-cases and trims a user-supplied code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type Validation struct {
	Valid bool
	// Err is ErrInvalidCode or ErrCodeUsed when Valid is false.
	Err  error
	Code *models.AccessCode
}

type Manager struct {
	store    counterstore.Store
	now      func() time.Time
	generate func() (string, error)
}

type Option func(*Manager)

// WithGenerator replaces the random code generator.
func WithGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.generate = gen }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store counterstore.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, generate: Generate}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create issues a new unused code for email and appends it to the admin list.
func (m *Manager) Create(ctx context.Context, email, companyName string) (models.AccessCode, error) {
	email = models.NormalizeEmail(email)
	if !models.ValidEmail(email) {
		return models.AccessCode{}, ErrInvalidEmail
	}

	rec := models.AccessCode{
		Email:       email,
		CompanyName: strings.TrimSpace(companyName),
		CreatedAt:   m.now().UTC(),
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxAttempts {
			return models.AccessCode{}, ErrCollision
		}

		code, err := m.generate()
		if err != nil {
			return models.AccessCode{}, err
		}
		rec.Code = Normalize(code)

		data, err := json.Marshal(rec)
		if err != nil {
			return models.AccessCode{}, fmt.Errorf("encode access code: %w", err)
		}
		ok, err := m.store.SetIfAbsent(ctx, keyPrefix+rec.Code, string(data), 0)
		if err != nil {
			return models.AccessCode{}, fmt.Errorf("store access code: %w", err)
		}
		if ok {
			break
		}
	}

	if err := m.store.ListAppend(ctx, listKey, rec.Code); err != nil {
		return models.AccessCode{}, fmt.Errorf("index access code: %w", err)
	}

	logger.Info("Access code created", map[string]interface{}{
		"email": logger.MaskEmail(email),
	})
	return rec, nil
}

func (m *Manager) load(ctx context.Context, code string) (*models.AccessCode, error) {
	raw, ok, err := m.store.Get(ctx, keyPrefix+code)
	if err != nil || !ok {
		return nil, err
	}

	var rec models.AccessCode
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode access code: %w", err)
	}
	return &rec, nil
}

// Validate reports whether code exists and is unused. A used code is still
// returned for display.
func (m *Manager) Validate(ctx context.Context, code string) (Validation, error) {
	code = Normalize(code)
	if code == "" {
		return Validation{Err: ErrInvalidCode}, nil
	}

	rec, err := m.load(ctx, code)
	if err != nil {
		return Validation{}, err
	}
	if rec == nil {
		return Validation{Err: ErrInvalidCode}, nil
	}

	if !rec.Used {
		// The marker is written before the record, so it wins in between.
		_, consumed, err := m.store.Get(ctx, keyPrefix+code+consumedSuffix)
		if err != nil {
			return Validation{}, err
		}
		rec.Used = consumed
	}

	if rec.Used {
		return Validation{Err: ErrCodeUsed, Code: rec}, nil
	}
	return Validation{Valid: true, Code: rec}, nil
}

// Consume flips code to used. Exactly one concurrent caller gets true; the
// rest, and any later call, get false.
func (m *Manager) Consume(ctx context.Context, code string) (bool, error) {
	v, err := m.Validate(ctx, code)
	if err != nil || !v.Valid {
		return false, err
	}

	rec := v.Code
	now := m.now().UTC()

	won, err := m.store.SetIfAbsent(ctx, keyPrefix+rec.Code+consumedSuffix, now.Format(time.RFC3339Nano), 0)
	if err != nil {
		return false, fmt.Errorf("consume access code: %w", err)
	}
	if !won {
		return false, nil
	}

	rec.Used = true
	rec.UsedAt = &now
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode access code: %w", err)
	}
	if err := m.store.Set(ctx, keyPrefix+rec.Code, string(data), 0); err != nil {
		// The marker already records consumption; Validate honours it.
		logger.Error("Failed to stamp consumed access code", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Access code consumed", map[string]interface{}{
		"email": logger.MaskEmail(rec.Email),
	})
	return true, nil
}

// List returns every code on the admin list in creation order.
func (m *Manager) List(ctx context.Context) ([]models.AccessCode, error) {
	codes, err := m.store.ListRange(ctx, listKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list access codes: %w", err)
	}

	out := make([]models.AccessCode, 0, len(codes))
	for _, code := range codes {
		v, err := m.Validate(ctx, code)
		if err != nil {
			return nil, err
		}
		if v.Code != nil {
			out = append(out, *v.Code)
		}
	}
	return out, nil
}

// Delete removes code, its consumption marker and its list entry.
func (m *Manager) Delete(ctx context.Context, code string) (bool, error) {
	code = Normalize(code)
	if code == "" {
		return false, nil
	}

	existed, err := m.store.Delete(ctx, keyPrefix+code)
	if err != nil {
		return false, fmt.Errorf("delete access code: %w", err)
	}
	if _, err := m.store.Delete(ctx, keyPrefix+code+consumedSuffix); err != nil {
		return existed, fmt.Errorf("delete access code marker: %w", err)
	}
	if err := m.store.ListRemove(ctx, listKey, code); err != nil {
		return existed, fmt.Errorf("unindex access code: %w", err)
	}
	return existed, nil
}
