package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestReadNeverAdvancedIsZero(t *testing.T) {
	store := NewStore(testutil.OpenDB(t))
	wm, err := store.Read(context.Background(), models.StreamOrderStatus)
	require.NoError(t, err)
	assert.True(t, wm.Position.IsZero())
	assert.False(t, wm.Halted())
}

func TestAdvanceIsMonotonic(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewStore(db)
	ctx := context.Background()
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	advance := func(pos time.Time) bool {
		var moved bool
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			var err error
			moved, err = store.Advance(tx, models.StreamOrderStatus, pos)
			return err
		}))
		return moved
	}

	assert.True(t, advance(t2))
	assert.False(t, advance(t1), "older cursor must not move the watermark")
	assert.True(t, advance(t2), "re-advancing to the same cursor is a no-op success")
	assert.False(t, advance(time.Time{}))

	wm, err := store.Read(ctx, models.StreamOrderStatus)
	require.NoError(t, err)
	assert.True(t, wm.Position.Equal(t2))
}

func TestAdvanceTruncatesToStoredPrecision(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewStore(db)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	pos := base.Add(123*time.Millisecond + 600*time.Microsecond)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		moved, err := store.Advance(tx, models.StreamOrderStatus, pos)
		require.True(t, moved)
		return err
	}))

	wm, err := store.Read(context.Background(), models.StreamOrderStatus)
	require.NoError(t, err)
	// Never rounded up past the last processed record.
	assert.True(t, wm.Position.Equal(base.Add(123*time.Millisecond)))
	assert.False(t, wm.Position.After(pos))
}

func TestAdvanceRollsBackWithCallerTransaction(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewStore(db)
	pos := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	boom := errors.New("finalize failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		moved, err := store.Advance(tx, models.StreamBackfill, pos)
		require.NoError(t, err)
		require.True(t, moved)
		return boom
	})
	require.ErrorIs(t, err, boom)

	wm, err := store.Read(context.Background(), models.StreamBackfill)
	require.NoError(t, err)
	assert.True(t, wm.Position.IsZero())
}

func TestHaltAndResume(t *testing.T) {
	db := testutil.OpenDB(t)
	store := NewStore(db)
	ctx := context.Background()
	pos := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := store.Advance(tx, models.StreamOrderStatus, pos)
		return err
	}))

	require.NoError(t, store.Halt(ctx, models.StreamOrderStatus, "order api 401"))
	wm, err := store.Read(ctx, models.StreamOrderStatus)
	require.NoError(t, err)
	assert.True(t, wm.Halted())
	assert.Equal(t, "order api 401", wm.HaltReason)
	assert.True(t, wm.Position.Equal(pos))

	require.NoError(t, store.Resume(ctx, models.StreamOrderStatus))
	wm, err = store.Read(ctx, models.StreamOrderStatus)
	require.NoError(t, err)
	assert.False(t, wm.Halted())
	assert.True(t, wm.Position.Equal(pos))

	// Halting a stream that never ran still reads as never advanced.
	require.NoError(t, store.Halt(ctx, models.StreamTrackingStatus, "boom"))
	wm, err = store.Read(ctx, models.StreamTrackingStatus)
	require.NoError(t, err)
	assert.True(t, wm.Halted())
	assert.True(t, wm.Position.IsZero())

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
