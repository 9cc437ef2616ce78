package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/models"
)

type MemoryStorage struct {
	mu        sync.RWMutex
	purchases map[string]models.PurchaseRecord
	flags     map[string]map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		purchases: make(map[string]models.PurchaseRecord),
		flags:     make(map[string]map[string]string),
	}
}

func (m *MemoryStorage) InsertPurchase(ctx context.Context, p *models.PurchaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.purchases[p.ProviderSessionID]; exists {
		return ErrDuplicatePurchase
	}
	m.purchases[p.ProviderSessionID] = *p
	return nil
}

func (m *MemoryStorage) FindPurchaseBySession(ctx context.Context, sessionID string) (*models.PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.purchases[sessionID]
	if !exists {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStorage) FindPurchaseByPaymentIntent(ctx context.Context, paymentIntent string) (*models.PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.purchases {
		if paymentIntent != "" && p.ProviderPaymentIntent == paymentIntent {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListPurchasesByEmail(ctx context.Context, email string) ([]*models.PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = models.NormalizeEmail(email)
	var out []*models.PurchaseRecord
	for _, p := range m.purchases {
		if p.Email == email {
			purchaseCopy := p
			out = append(out, &purchaseCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) MarkRefunded(ctx context.Context, paymentIntent string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for id, p := range m.purchases {
		if paymentIntent == "" || p.ProviderPaymentIntent != paymentIntent {
			continue
		}
		found = true
		refundedAt := at
		p.Status = models.PurchaseStatusRefunded
		p.RefundedAt = &refundedAt
		m.purchases[id] = p
	}
	if !found {
		return ErrPurchaseNotFound
	}
	return nil
}

func (m *MemoryStorage) SetAccessFlag(ctx context.Context, email, family, tier string) error {
	if _, ok := flagColumns[family]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	email = models.NormalizeEmail(email)
	flags, ok := m.flags[email]
	if !ok {
		flags = make(map[string]string)
		m.flags[email] = flags
	}
	if tier == "" {
		delete(flags, family)
		return nil
	}
	flags[family] = tier
	return nil
}

func (m *MemoryStorage) GetAccessFlags(ctx context.Context, email string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for family, tier := range m.flags[models.NormalizeEmail(email)] {
		out[family] = tier
	}
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
