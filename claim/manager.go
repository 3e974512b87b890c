package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimLost is returned by Check when the run no longer holds a live claim.
var ErrClaimLost = errors.New("claim lost")

func StreamKey(stream models.StreamID) string { return "stream:" + string(stream) }

// OrderKey is shared by every stream that writes an order, so a merge and a
// backfill of the same order never overlap.
func OrderKey(remoteID string) string { return "order:" + remoteID }

// Manager hands out time-bounded exclusive claims stored in sync_claims.
// A claim whose expires_at has passed is treated as absent.
type Manager struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db, Now: func() time.Time { return time.Now().UTC() }}
}

// TryClaim takes or renews the claim on batchKey for runID. Exactly one of
// several concurrent callers gets true; the others get false and no error.
func (m *Manager) TryClaim(ctx context.Context, batchKey string, runID string, ttl time.Duration) (bool, error) {
	if batchKey == "" || runID == "" {
		return false, errors.New("claim key and run id are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("claim ttl must be positive, got %s", ttl)
	}
	now := m.Now()
	expires := now.Add(ttl)
	db := m.db.WithContext(ctx)

	// Take over an expired claim, or renew our own.
	res := db.Model(&models.SyncClaim{}).
		Where("batch_key = ? AND (expires_at < ? OR owner_run_id = ?)", batchKey, now, runID).
		Updates(map[string]interface{}{
			"owner_run_id": runID,
			"acquired_at":  now,
			"expires_at":   expires,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SyncClaim{
		BatchKey:   batchKey,
		OwnerRunId: runID,
		AcquiredAt: now,
		ExpiresAt:  expires,
	})
	if res.Error != nil {
		if models.IsDuplicateKey(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Check verifies on tx that runID still holds a live claim on batchKey. Call
// it immediately before every write the claim protects, inside the same
// transaction.
func (m *Manager) Check(tx *gorm.DB, batchKey string, runID string) error {
	var n int64
	err := tx.Model(&models.SyncClaim{}).
		Where("batch_key = ? AND owner_run_id = ? AND expires_at >= ?", batchKey, runID, m.Now()).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, batchKey)
	}
	return nil
}

// Release drops the claim if runID still owns it.
func (m *Manager) Release(ctx context.Context, batchKey string, runID string) error {
	return m.db.WithContext(ctx).
		Where("batch_key = ? AND owner_run_id = ?", batchKey, runID).
		Delete(&models.SyncClaim{}).Error
}

// Expire removes every claim already past its expiry. Returns the count removed.
func (m *Manager) Expire(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).
		Where("expires_at < ?", m.Now()).
		Delete(&models.SyncClaim{})
	return res.RowsAffected, res.Error
}
