package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncAlert is a finding for human review. OpenKey is set while unresolved
// and is unique, so at most one open alert exists per (type, subject).
type SyncAlert struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	OrderId    *uint      `gorm:"index" json:"order_id"`
	SubjectKey string     `gorm:"size:191;not null;index" json:"subject_key"`
	AlertType  AlertType  `gorm:"size:32;not null;index" json:"alert_type"`
	DetailJSON []byte     `gorm:"type:json" json:"detail"`
	DetectedAt time.Time  `gorm:"not null" json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
	OpenKey    *string    `gorm:"size:255;uniqueIndex" json:"-"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func AlertOpenKey(alertType AlertType, subjectKey string) string {
	return string(alertType) + ":" + subjectKey
}

type NewAlert struct {
	OrderId    *uint
	SubjectKey string
	AlertType  AlertType
	Detail     any
	DetectedAt time.Time
}

// UpsertAlert creates the open alert for (type, subject) or refreshes the
// detail and detected_at of the one already open. Returns true when a new row
// was created.
func UpsertAlert(tx *gorm.DB, in NewAlert) (bool, error) {
	if in.SubjectKey == "" || in.AlertType == "" {
		return false, errors.New("alert subject and type are required")
	}
	detail, err := json.Marshal(in.Detail)
	if err != nil {
		return false, err
	}
	detectedAt := in.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	openKey := AlertOpenKey(in.AlertType, in.SubjectKey)

	res := tx.Model(&SyncAlert{}).
		Where("open_key = ?", openKey).
		Updates(map[string]interface{}{
			"detail_json": detail,
			"detected_at": detectedAt,
			"order_id":    in.OrderId,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return false, nil
	}

	alert := SyncAlert{
		OrderId:    in.OrderId,
		SubjectKey: in.SubjectKey,
		AlertType:  in.AlertType,
		DetailJSON: detail,
		DetectedAt: detectedAt,
		OpenKey:    &openKey,
	}
	if err := tx.Create(&alert).Error; err != nil {
		if !IsDuplicateKey(err) {
			return false, err
		}
		// Lost a race with another detector run; refresh the winner's row.
		return false, tx.Model(&SyncAlert{}).
			Where("open_key = ?", openKey).
			Updates(map[string]interface{}{
				"detail_json": detail,
				"detected_at": detectedAt,
			}).Error
	}
	return true, nil
}

// ResolveAlert closes an open alert; the next detection opens a fresh row.
func ResolveAlert(tx *gorm.DB, alertType AlertType, subjectKey string, at time.Time) error {
	return tx.Model(&SyncAlert{}).
		Where("open_key = ?", AlertOpenKey(alertType, subjectKey)).
		Updates(map[string]interface{}{
			"resolved_at": at,
			"open_key":    nil,
		}).Error
}
