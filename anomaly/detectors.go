package anomaly

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Report counts what one detector run did to the alert table.
type Report struct {
	Flagged  int
	Created  int
	Resolved int
}

func (r *Report) add(o Report) {
	r.Flagged += o.Flagged
	r.Created += o.Created
	r.Resolved += o.Resolved
}

type finding struct {
	orderID *uint
	subject string
	detail  any
}

// apply upserts every finding and resolves open alerts of alertType whose
// subject was not found again. Findings are only compared within scope when
// scope is non-nil.
func apply(tx *gorm.DB, alertType models.AlertType, findings []finding, scope map[string]bool, now time.Time) (Report, error) {
	var rep Report
	current := make(map[string]bool, len(findings))
	for _, f := range findings {
		current[f.subject] = true
		created, err := models.UpsertAlert(tx, models.NewAlert{
			OrderId:    f.orderID,
			SubjectKey: f.subject,
			AlertType:  alertType,
			Detail:     f.detail,
			DetectedAt: now,
		})
		if err != nil {
			return rep, err
		}
		rep.Flagged++
		if created {
			rep.Created++
		}
	}

	var open []models.SyncAlert
	if err := tx.Where("alert_type = ? AND resolved_at IS NULL", alertType).Find(&open).Error; err != nil {
		return rep, err
	}
	for _, a := range open {
		if current[a.SubjectKey] {
			continue
		}
		if scope != nil && !scope[a.SubjectKey] {
			continue
		}
		if err := models.ResolveAlert(tx, alertType, a.SubjectKey, now); err != nil {
			return rep, err
		}
		rep.Resolved++
	}
	return rep, nil
}

// DuplicateDetector flags order numbers carried by more than one active order.
type DuplicateDetector struct {
	db     *gorm.DB
	logger *logrus.Logger
	Now    func() time.Time
}

func NewDuplicateDetector(db *gorm.DB, logger *logrus.Logger) *DuplicateDetector {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &DuplicateDetector{db: db, logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

type duplicateOrderRef struct {
	OrderId  uint               `json:"order_id"`
	RemoteId string             `json:"remote_id"`
	Status   models.OrderStatus `json:"status"`
}

type duplicateDetail struct {
	OrderNumber string              `json:"order_number"`
	Orders      []duplicateOrderRef `json:"orders"`
}

func (d *DuplicateDetector) Detect(ctx context.Context) (Report, error) {
	var rep Report
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var numbers []string
		if err := tx.Model(&models.Order{}).
			Where("order_number <> '' AND status <> ?", models.OrderStatusCancelled).
			Group("order_number").
			Having("COUNT(*) > 1").
			Order("order_number ASC").
			Pluck("order_number", &numbers).Error; err != nil {
			return err
		}

		findings := make([]finding, 0, len(numbers))
		for _, number := range numbers {
			var orders []models.Order
			if err := tx.Where("order_number = ? AND status <> ?", number, models.OrderStatusCancelled).
				Order("id ASC").Find(&orders).Error; err != nil {
				return err
			}
			detail := duplicateDetail{OrderNumber: number}
			for _, o := range orders {
				detail.Orders = append(detail.Orders, duplicateOrderRef{OrderId: o.ID, RemoteId: o.RemoteId, Status: o.Status})
			}
			findings = append(findings, finding{subject: number, detail: detail})
		}

		var err error
		rep, err = apply(tx, models.AlertTypeDuplicateOrder, findings, nil, d.Now())
		return err
	})
	if err != nil {
		return rep, err
	}
	d.logger.WithFields(logrus.Fields{
		"field":    "DuplicateDetector",
		"flagged":  rep.Flagged,
		"created":  rep.Created,
		"resolved": rep.Resolved,
	}).Debug("duplicate detection finished")
	return rep, nil
}

// LotMismatchDetector flags active orders holding items of a lot other than
// the product's active one. Products without an active lot are not checked.
type LotMismatchDetector struct {
	db       *gorm.DB
	registry LotRegistry
	logger   *logrus.Logger
	Now      func() time.Time
}

func NewLotMismatchDetector(db *gorm.DB, registry LotRegistry, logger *logrus.Logger) *LotMismatchDetector {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &LotMismatchDetector{db: db, registry: registry, logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

type lotMismatchItem struct {
	ProductId       string `json:"product_id"`
	LotNumber       string `json:"lot_number"`
	ActiveLotNumber string `json:"active_lot_number"`
}

type lotMismatchDetail struct {
	RemoteId string            `json:"remote_id"`
	Items    []lotMismatchItem `json:"items"`
}

func (d *LotMismatchDetector) Detect(ctx context.Context) (Report, error) {
	lots, err := d.registry.ActiveLots(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orders []models.Order
		if err := tx.Preload("Items").
			Where("status NOT IN ?", models.TerminalOrderStatuses()).
			Order("id ASC").Find(&orders).Error; err != nil {
			return err
		}

		var findings []finding
		for i := range orders {
			o := orders[i]
			detail := lotMismatchDetail{RemoteId: o.RemoteId}
			for _, it := range o.Items {
				active, ok := lots[it.ProductId]
				if !ok || active == "" {
					continue
				}
				if it.LotNumber != active {
					detail.Items = append(detail.Items, lotMismatchItem{ProductId: it.ProductId, LotNumber: it.LotNumber, ActiveLotNumber: active})
				}
			}
			if len(detail.Items) == 0 {
				continue
			}
			sort.Slice(detail.Items, func(a, b int) bool { return detail.Items[a].ProductId < detail.Items[b].ProductId })
			orderID := o.ID
			findings = append(findings, finding{orderID: &orderID, subject: o.RemoteId, detail: detail})
		}

		var err error
		rep, err = apply(tx, models.AlertTypeLotMismatch, findings, nil, d.Now())
		return err
	})
	if err != nil {
		return rep, err
	}
	d.logger.WithFields(logrus.Fields{
		"field":    "LotMismatchDetector",
		"flagged":  rep.Flagged,
		"created":  rep.Created,
		"resolved": rep.Resolved,
	}).Debug("lot mismatch detection finished")
	return rep, nil
}

// QuantityMismatchDetector compares per-product quantities of remote
// snapshots against the local lines of the same orders.
type QuantityMismatchDetector struct {
	db     *gorm.DB
	logger *logrus.Logger
	Now    func() time.Time
}

func NewQuantityMismatchDetector(db *gorm.DB, logger *logrus.Logger) *QuantityMismatchDetector {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &QuantityMismatchDetector{db: db, logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

type quantityDelta struct {
	ProductId string          `json:"product_id"`
	Remote    decimal.Decimal `json:"remote"`
	Local     decimal.Decimal `json:"local"`
	Delta     decimal.Decimal `json:"delta"`
}

type quantityDetail struct {
	RemoteId string          `json:"remote_id"`
	Products []quantityDelta `json:"products"`
}

// Detect only looks at snapshots that carry lines and whose order is
// still active; archived and unknown orders are ignored.
func (d *QuantityMismatchDetector) Detect(ctx context.Context, snapshots []gateway.RemoteOrder) (Report, error) {
	var rep Report
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var findings []finding
		scope := map[string]bool{}
		for _, snap := range snapshots {
			if snap.Items == nil {
				continue
			}
			var local models.Order
			res := tx.Preload("Items").Where("remote_id = ?", snap.ID).Limit(1).Find(&local)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			scope[snap.ID] = true

			deltas := compareQuantities(snap.Items, local.Items)
			if len(deltas) == 0 {
				continue
			}
			orderID := local.ID
			findings = append(findings, finding{
				orderID: &orderID,
				subject: snap.ID,
				detail:  quantityDetail{RemoteId: snap.ID, Products: deltas},
			})
		}

		var err error
		rep, err = apply(tx, models.AlertTypeQuantityMismatch, findings, scope, d.Now())
		return err
	})
	if err != nil {
		return rep, err
	}
	if rep.Created > 0 {
		d.logger.WithFields(logrus.Fields{
			"field":   "QuantityMismatchDetector",
			"flagged": rep.Flagged,
			"created": rep.Created,
		}).Warn("remote and local quantities differ")
	}
	return rep, nil
}

func compareQuantities(remote []gateway.RemoteItem, local []models.OrderItem) []quantityDelta {
	remoteQty := map[string]decimal.Decimal{}
	localQty := map[string]decimal.Decimal{}
	products := map[string]bool{}
	for _, it := range remote {
		remoteQty[it.ProductId] = remoteQty[it.ProductId].Add(it.Quantity)
		products[it.ProductId] = true
	}
	for _, it := range local {
		localQty[it.ProductId] = localQty[it.ProductId].Add(it.Quantity)
		products[it.ProductId] = true
	}

	ids := make([]string, 0, len(products))
	for pid := range products {
		ids = append(ids, pid)
	}
	sort.Strings(ids)

	var deltas []quantityDelta
	for _, pid := range ids {
		r, l := remoteQty[pid], localQty[pid]
		if r.Equal(l) {
			continue
		}
		deltas = append(deltas, quantityDelta{ProductId: pid, Remote: r, Local: l, Delta: r.Sub(l)})
	}
	return deltas
}

// Run executes the duplicate and lot-mismatch detectors, the standalone
// anomalies pass.
func Run(ctx context.Context, dup *DuplicateDetector, lot *LotMismatchDetector) (Report, error) {
	var total Report
	rep, err := dup.Detect(ctx)
	total.add(rep)
	if err != nil {
		return total, err
	}
	rep, err = lot.Detect(ctx)
	total.add(rep)
	return total, err
}
