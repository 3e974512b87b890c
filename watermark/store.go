package watermark

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Watermark is the persisted position of one stream. A zero Position means
// the stream never advanced.
type Watermark struct {
	Stream     models.StreamID
	Position   time.Time
	HaltedAt   *time.Time
	HaltReason string
}

func (w Watermark) Halted() bool { return w.HaltedAt != nil }

type Store struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Read(ctx context.Context, stream models.StreamID) (Watermark, error) {
	var row models.SyncWatermark
	err := s.db.WithContext(ctx).Where("stream_id = ?", stream).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Watermark{Stream: stream}, nil
	}
	if err != nil {
		return Watermark{}, err
	}
	return Watermark{
		Stream:     stream,
		Position:   fromStored(row.LastPosition),
		HaltedAt:   row.HaltedAt,
		HaltReason: row.HaltReason,
	}, nil
}

// Advance moves the stream's cursor to position on tx. The update is
// conditional on the stored position not being later, so the cursor never
// moves backwards; false is returned when nothing moved.
func (s *Store) Advance(tx *gorm.DB, stream models.StreamID, position time.Time) (bool, error) {
	position = models.CursorTime(position)
	if !position.After(unset) {
		return false, nil
	}
	if err := ensureRow(tx, stream); err != nil {
		return false, err
	}
	res := tx.Model(&models.SyncWatermark{}).
		Where("stream_id = ? AND last_position <= ?", stream, position).
		Updates(map[string]interface{}{
			"last_position": position,
			"updated_at":    s.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Halt persists a fatal stop; the stream refuses to run until Resume.
func (s *Store) Halt(ctx context.Context, stream models.StreamID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRow(tx, stream); err != nil {
			return err
		}
		now := s.Now()
		return tx.Model(&models.SyncWatermark{}).
			Where("stream_id = ?", stream).
			Updates(map[string]interface{}{
				"halted_at":   &now,
				"halt_reason": reason,
			}).Error
	})
}

// Resume clears a halt. The cursor is left where it was.
func (s *Store) Resume(ctx context.Context, stream models.StreamID) error {
	return s.db.WithContext(ctx).Model(&models.SyncWatermark{}).
		Where("stream_id = ?", stream).
		Updates(map[string]interface{}{
			"halted_at":   nil,
			"halt_reason": "",
		}).Error
}

// List returns every stored watermark, for the status endpoint.
func (s *Store) List(ctx context.Context) ([]Watermark, error) {
	var rows []models.SyncWatermark
	if err := s.db.WithContext(ctx).Order("stream_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Watermark, 0, len(rows))
	for _, row := range rows {
		out = append(out, Watermark{
			Stream:     row.StreamId,
			Position:   fromStored(row.LastPosition),
			HaltedAt:   row.HaltedAt,
			HaltReason: row.HaltReason,
		})
	}
	return out, nil
}

// unset is stored for "never advanced"; MySQL DATETIME cannot hold the zero time.
var unset = time.Unix(0, 0).UTC()

func fromStored(t time.Time) time.Time {
	if !t.After(unset) {
		return time.Time{}
	}
	return t.UTC()
}

func ensureRow(tx *gorm.DB, stream models.StreamID) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SyncWatermark{StreamId: stream, LastPosition: unset}).Error
}
