// Package testutil holds fixtures shared by package tests: an in-memory
// SQLite database with the full schema and a scripted remote order API.
package testutil

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDB returns a migrated private in-memory database, closed at cleanup.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on", uuid.NewString())
	db, err := config.Open(sqlite.Open(dsn))
	require.NoError(t, err)
	require.NoError(t, models.MigrateTable(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func QuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{T: t.UTC()} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

func Qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// SeedOrder inserts an active order with its items and derived totals.
func SeedOrder(t testing.TB, db *gorm.DB, order models.Order) models.Order {
	t.Helper()
	if order.RemoteModifiedAt.IsZero() {
		order.RemoteModifiedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if order.Status == "" {
		order.Status = models.OrderStatusAwaitingShipment
	}
	order.ItemCount, order.TotalQuantity = models.SumQuantity(order.Items)
	require.NoError(t, db.Create(&order).Error)
	return order
}

func CountRows(t testing.TB, db *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// OpenAlerts returns every unresolved alert of the given type.
func OpenAlerts(t testing.TB, db *gorm.DB, alertType models.AlertType) []models.SyncAlert {
	t.Helper()
	var alerts []models.SyncAlert
	require.NoError(t, db.Where("alert_type = ? AND resolved_at IS NULL", alertType).
		Order("subject_key ASC").Find(&alerts).Error)
	return alerts
}

// CountWrites registers callbacks counting every create, update and delete
// executed on db from now on.
func CountWrites(t testing.TB, db *gorm.DB) *int {
	t.Helper()
	n := 0
	name := "testutil:count_writes:" + uuid.NewString()
	inc := func(tx *gorm.DB) {
		if tx.Error == nil && tx.Statement.RowsAffected > 0 {
			n++
		}
	}
	require.NoError(t, db.Callback().Create().After("gorm:create").Register(name, inc))
	require.NoError(t, db.Callback().Update().After("gorm:update").Register(name, inc))
	require.NoError(t, db.Callback().Delete().After("gorm:delete").Register(name, inc))
	return &n
}
