package anomaly

import (
	"context"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LotRegistry reports the active lot of every product that has one.
type LotRegistry interface {
	ActiveLots(ctx context.Context) (map[string]string, error)
}

type DBLotRegistry struct {
	db *gorm.DB
}

func NewDBLotRegistry(db *gorm.DB) *DBLotRegistry {
	return &DBLotRegistry{db: db}
}

func (r *DBLotRegistry) ActiveLots(ctx context.Context) (map[string]string, error) {
	var rows []models.ProductLot
	if err := r.db.WithContext(ctx).Where("active_lot_number <> ''").Find(&rows).Error; err != nil {
		return nil, err
	}
	lots := make(map[string]string, len(rows))
	for _, row := range rows {
		lots[row.ProductId] = row.ActiveLotNumber
	}
	return lots, nil
}

const activeLotsCacheKey = "ActiveLots"

// CachedLotRegistry keeps the registry snapshot in redis for ttl. Redis
// failures fall through to the wrapped registry.
type CachedLotRegistry struct {
	next   LotRegistry
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedLotRegistry(next LotRegistry, ttl time.Duration, logger *logrus.Logger) *CachedLotRegistry {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &CachedLotRegistry{next: next, ttl: ttl, logger: logger}
}

func (r *CachedLotRegistry) ActiveLots(ctx context.Context) (map[string]string, error) {
	var cached map[string]string
	exists, err := config.GetRedisObject(ctx, activeLotsCacheKey, &cached)
	if err != nil {
		config.LogError(r.logger, "anomaly", "ActiveLots", "read lot cache", nil, err)
	}
	if exists && err == nil {
		return cached, nil
	}

	lots, err := r.next.ActiveLots(ctx)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, activeLotsCacheKey, lots, r.ttl); err != nil {
		config.LogError(r.logger, "anomaly", "ActiveLots", "write lot cache", nil, err)
	}
	return lots, nil
}

// Invalidate drops the cached snapshot, for callers that just changed lots.
func (r *CachedLotRegistry) Invalidate(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, activeLotsCacheKey)
}
