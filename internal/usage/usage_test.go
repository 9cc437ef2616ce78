package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/catalog"
	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
	"github.com/ecoffie/market-assassin-sub003/internal/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const family = "market-assassin"

type fixture struct {
	tracker  *Tracker
	resolver *entitlement.Resolver
	store    *counterstore.MemoryStore
	now      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 4, 30, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := counterstore.NewMemoryStore()
	store.SetClock(clock)
	cat := catalog.Default()
	resolver := entitlement.NewResolver(store, cat, entitlement.WithClock(clock))

	return &fixture{
		tracker:  NewTracker(store, resolver, cat, family, WithClock(clock)),
		resolver: resolver,
		store:    store,
		now:      &now,
	}
}

func TestCheck_NoGrant(t *testing.T) {
	f := newFixture(t)

	st, err := f.tracker.Check(context.Background(), "nobody@co.com")
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Equal(t, TierNone, st.Tier)
	assert.EqualValues(t, 0, st.Limit)

	st, err = f.tracker.Increment(context.Background(), "nobody@co.com")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, st.Allowed)
	assert.EqualValues(t, 0, st.CurrentUsage)
}

func TestIncrement_UpToLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.resolver.Grant(ctx, "bob@co.com", family, "standard", "")
	require.NoError(t, err)

	for i := int64(1); i <= 50; i++ {
		st, err := f.tracker.Increment(ctx, "Bob@co.com")
		require.NoError(t, err, "increment %d", i)
		assert.True(t, st.Allowed)
		assert.Equal(t, i, st.CurrentUsage)
		assert.Equal(t, 50-i, st.Remaining)
		assert.Equal(t, "standard", st.Tier)
		assert.Equal(t, "2026-04", st.Period)
	}

	st, err := f.tracker.Increment(ctx, "bob@co.com")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, st.Allowed)
	assert.EqualValues(t, 50, st.CurrentUsage, "denied increment is compensated")

	st, err = f.tracker.Check(ctx, "bob@co.com")
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.EqualValues(t, 50, st.CurrentUsage)

	abuse, ok, err := f.store.Get(ctx, "abuse:bob@co.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", abuse)
}

func TestIncrement_ConcurrentLastUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.resolver.Grant(ctx, "race@co.com", family, "standard", "")
	require.NoError(t, err)
	for i := 0; i < 49; i++ {
		_, err := f.tracker.Increment(ctx, "race@co.com")
		require.NoError(t, err)
	}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if st, err := f.tracker.Increment(ctx, "race@co.com"); err == nil && st.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, allowed.Load())

	st, err := f.tracker.Check(ctx, "race@co.com")
	require.NoError(t, err)
	assert.EqualValues(t, 50, st.CurrentUsage)
}

func TestPremiumTierQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.resolver.Grant(ctx, "p@co.com", family, "premium", "")
	require.NoError(t, err)

	st, err := f.tracker.Check(ctx, "p@co.com")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.EqualValues(t, 200, st.Limit)
	assert.Equal(t, "premium", st.Tier)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.resolver.Grant(ctx, "r@co.com", family, "standard", "")
	require.NoError(t, err)

	_, err = f.tracker.Increment(ctx, "r@co.com")
	require.NoError(t, err)

	st, err := f.tracker.Release(ctx, "r@co.com")
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.CurrentUsage)

	st, err = f.tracker.Release(ctx, "r@co.com")
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.CurrentUsage, "never below zero")
}

func TestPeriodRollsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.resolver.Grant(ctx, "m@co.com", family, "standard", "")
	require.NoError(t, err)
	_, err = f.tracker.Increment(ctx, "m@co.com")
	require.NoError(t, err)

	st, err := f.tracker.Check(ctx, "m@co.com")
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Equal(st.ResetAt))

	*f.now = f.now.Add(2 * time.Hour)

	st, err = f.tracker.Check(ctx, "m@co.com")
	require.NoError(t, err)
	assert.Equal(t, "2026-05", st.Period)
	assert.EqualValues(t, 0, st.CurrentUsage)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.SetFailing(true)

	_, err := f.tracker.Increment(context.Background(), "x@co.com")
	assert.ErrorIs(t, err, counterstore.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestInvalidEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.Check(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}
