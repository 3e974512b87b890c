package config

import (
	"errors"

	"github.com/mmdatafocus/ordersync/appctx"
	"gorm.io/gorm"
)

var ErrDeleteForbidden = errors.New("delete on active order tables is only allowed inside the archive move")

// archiveGuardedTables are never deleted from except by the shipped -> history move.
var archiveGuardedTables = map[string]bool{
	"orders":      true,
	"order_items": true,
}

// ArchiveGuardPlugin rejects gorm deletes against the active order tables
// unless the statement context carries the archive-move permit.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Nothing in this codebase deletes orders that way.
type ArchiveGuardPlugin struct{}

func NewArchiveGuardPlugin() *ArchiveGuardPlugin { return &ArchiveGuardPlugin{} }

func (p *ArchiveGuardPlugin) Name() string { return "archive_guard" }

func (p *ArchiveGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("archive_guard:delete", archiveGuardCallback)
}

func archiveGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if !archiveGuardedTables[table] {
		return
	}
	ctx := db.Statement.Context
	if ctx != nil && appctx.ArchiveMoveAllowed(ctx) {
		return
	}
	_ = db.AddError(ErrDeleteForbidden)
}
