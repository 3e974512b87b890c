package models

import "time"

// SyncWatermark is the persisted cursor of one stream.
type SyncWatermark struct {
	StreamId     StreamID   `gorm:"primaryKey;size:64" json:"stream_id"`
	LastPosition time.Time  `gorm:"not null" json:"last_position"`
	HaltedAt     *time.Time `json:"halted_at"`
	HaltReason   string     `gorm:"type:text" json:"halt_reason"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncClaim is a time-bounded exclusive ownership record over a batch key.
type SyncClaim struct {
	BatchKey   string    `gorm:"primaryKey;size:191" json:"batch_key"`
	OwnerRunId string    `gorm:"size:64;not null" json:"owner_run_id"`
	AcquiredAt time.Time `gorm:"not null" json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
}

type SyncRun struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	RunId             string     `gorm:"size:64;not null;uniqueIndex" json:"run_id"`
	StreamId          StreamID   `gorm:"size:64;not null;index" json:"stream_id"`
	Status            RunStatus  `gorm:"size:20;not null" json:"status"`
	TriggeredBy       string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON         []byte     `gorm:"type:json" json:"stats"`
	RecordsFetched    int        `json:"records_fetched"`
	RecordsMerged     int        `json:"records_merged"`
	RecordsBackfilled int        `json:"records_backfilled"`
	RecordsFlagged    int        `json:"records_flagged"`
	ErrorCount        int        `json:"error_count"`
	FatalCount        int        `json:"fatal_count"`
	WatermarkBefore   *time.Time `json:"watermark_before"`
	WatermarkAfter    *time.Time `json:"watermark_after"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	DurationMs        int64      `json:"duration_ms"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	StreamId    StreamID  `gorm:"size:64;index" json:"stream_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	ErrorKind   string    `gorm:"size:32" json:"error_kind"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TrackingState is the last-known carrier status of a shipped order.
type TrackingState struct {
	ID             uint         `gorm:"primary_key" json:"id"`
	RemoteOrderId  string       `gorm:"size:128;not null;uniqueIndex" json:"remote_order_id"`
	TrackingNumber string       `gorm:"size:128;not null" json:"tracking_number"`
	CarrierCode    string       `gorm:"size:64" json:"carrier_code"`
	StatusCode     TrackingCode `gorm:"size:32;not null" json:"status_code"`
	Description    string       `gorm:"type:text" json:"description"`
	LastCheckedAt  *time.Time   `json:"last_checked_at"`
	LastChangedAt  *time.Time   `json:"last_changed_at"`
	NextCheckAt    time.Time    `gorm:"not null;index:idx_tracking_due,priority:2" json:"next_check_at"`
	IsTerminal     bool         `gorm:"not null;default:false;index:idx_tracking_due,priority:1" json:"is_terminal"`
	CheckFailCount int          `gorm:"not null;default:0" json:"check_fail_count"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductLot registers the currently active lot of a product.
// An empty ActiveLotNumber means the product has no active lot.
type ProductLot struct {
	ProductId       string    `gorm:"primaryKey;size:128" json:"product_id"`
	ActiveLotNumber string    `gorm:"size:128" json:"active_lot_number"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
