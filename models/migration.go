package models

import "gorm.io/gorm"

func AllModels() []interface{} {
	return []interface{}{
		&Order{}, &OrderItem{},
		&OrderHistory{}, &OrderItemHistory{},
		&SyncWatermark{}, &SyncClaim{},
		&SyncRun{}, &SyncError{},
		&SyncAlert{},
		&TrackingState{},
		&ProductLot{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
