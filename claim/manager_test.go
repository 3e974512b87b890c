package claim

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestManager(t *testing.T) (*Manager, *gorm.DB, *testutil.Clock) {
	t.Helper()
	db := testutil.OpenDB(t)
	clock := testutil.NewClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(db)
	m.Now = clock.Now
	return m, db, clock
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	const racers = 8
	results := make([]bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.TryClaim(ctx, OrderKey("r1"), fmt.Sprintf("run-%d", i), time.Minute)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestLiveClaimBlocksOthersUntilExpiry(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	key := StreamKey("order_status")

	ok, err := m.TryClaim(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.TryClaim(ctx, key, "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Renewal by the owner succeeds.
	ok, err = m.TryClaim(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(61 * time.Second)
	ok, err = m.TryClaim(ctx, key, "run-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim must be treated as absent")
}

func TestCheckDetectsLostClaim(t *testing.T) {
	m, db, clock := newTestManager(t)
	ctx := context.Background()
	key := OrderKey("r1")

	ok, err := m.TryClaim(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Check(db, key, "run-a"))
	assert.ErrorIs(t, m.Check(db, key, "run-b"), ErrClaimLost)

	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, m.Check(db, key, "run-a"), ErrClaimLost, "expired claim is lost")

	ok, err = m.TryClaim(ctx, key, "run-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, m.Check(db, key, "run-a"), ErrClaimLost)
	assert.NoError(t, m.Check(db, key, "run-b"))
}

func TestReleaseOnlyDropsOwnClaim(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()
	key := OrderKey("r1")

	ok, err := m.TryClaim(ctx, key, "run-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, key, "run-b"))
	assert.NoError(t, m.Check(db, key, "run-a"))

	require.NoError(t, m.Release(ctx, key, "run-a"))
	ok, err = m.TryClaim(ctx, key, "run-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpireRemovesStaleClaims(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.TryClaim(ctx, OrderKey("r1"), "run-a", time.Minute)
	require.NoError(t, err)
	_, err = m.TryClaim(ctx, OrderKey("r2"), "run-a", time.Hour)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	n, err := m.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTryClaimRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.TryClaim(context.Background(), "", "run", time.Minute)
	assert.Error(t, err)
	_, err = m.TryClaim(context.Background(), "k", "run", 0)
	assert.Error(t, err)
}
