package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/appctx"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimChecker verifies, inside a transaction, that a run still holds a claim.
type ClaimChecker interface {
	Check(tx *gorm.DB, batchKey string, runID string) error
}

// Guard names the claim protecting a merge. A zero Guard skips the check.
type Guard struct {
	Key   string
	RunID string
}

type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionSkipped  Action = "skipped"
	ActionArchived Action = "archived"
)

type Transition struct {
	From models.OrderStatus
	To   models.OrderStatus
}

type MergeResult struct {
	RemoteId      string
	OrderId       uint
	Action        Action
	Transition    *Transition
	ItemsInserted int
	ItemsUpdated  int
	// MissingRemote lists local products the remote snapshot no longer has.
	MissingRemote []string
	// LinesRejected is set when the duplicate-line policy refused the lines.
	LinesRejected bool
	// TerminalKept is set when the remote tried to move a terminal order.
	TerminalKept bool
	Alerts       int
}

type Reconciler struct {
	db     *gorm.DB
	claims ClaimChecker
	logger *logrus.Logger
	policy string
	Now    func() time.Time
}

func New(db *gorm.DB, claims ClaimChecker, logger *logrus.Logger, duplicateLinePolicy string) *Reconciler {
	if logger == nil {
		logger = config.GetLogger()
	}
	if duplicateLinePolicy == "" {
		duplicateLinePolicy = config.DuplicateLinePolicyReject
	}
	return &Reconciler{
		db:     db,
		claims: claims,
		logger: logger,
		policy: duplicateLinePolicy,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Merge applies one remote snapshot to the local store in a single
// transaction. Applying the same snapshot twice writes nothing the second
// time. An unparseable status is returned as a fatal gateway error.
func (r *Reconciler) Merge(ctx context.Context, remote gateway.RemoteOrder, guard Guard) (MergeResult, error) {
	result := MergeResult{RemoteId: remote.ID, Action: ActionSkipped}
	status, err := models.ParseOrderStatus(remote.Status)
	if err != nil {
		return result, &gateway.Error{Kind: gateway.KindFatal, Op: "merge", Err: fmt.Errorf("order %q: %w", remote.ID, err)}
	}

	var lines []Line
	var dup *DuplicateLineError
	if remote.Items != nil {
		lines, err = CollapseLines(remote.Items, r.policy)
		if err != nil && !errors.As(err, &dup) {
			return result, err
		}
	}

	now := r.Now()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.claims != nil && guard.Key != "" {
			if err := r.claims.Check(tx, guard.Key, guard.RunID); err != nil {
				return err
			}
		}

		var archived int64
		if err := tx.Model(&models.OrderHistory{}).Where("remote_id = ?", remote.ID).Count(&archived).Error; err != nil {
			return err
		}
		if archived > 0 {
			return nil
		}

		var local models.Order
		err := tx.Preload("Items").Where("remote_id = ?", remote.ID).Take(&local).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r.create(ctx, tx, remote, status, lines, dup, now, &result)
		}
		if err != nil {
			return err
		}
		if !models.CursorTime(remote.ModifiedAt).After(models.CursorTime(local.RemoteModifiedAt)) {
			result.OrderId = local.ID
			return nil
		}
		return r.update(ctx, tx, local, remote, status, lines, dup, now, &result)
	})
	if err != nil {
		return result, fmt.Errorf("merge order %s: %w", remote.ID, err)
	}
	return result, nil
}

func (r *Reconciler) create(ctx context.Context, tx *gorm.DB, remote gateway.RemoteOrder, status models.OrderStatus, lines []Line, dup *DuplicateLineError, now time.Time, result *MergeResult) error {
	order := orderFromRemote(remote, status)
	if dup == nil {
		for _, l := range lines {
			order.Items = append(order.Items, models.OrderItem{ProductId: l.ProductId, LotNumber: l.LotNumber, Quantity: l.Quantity})
		}
	}
	order.ItemCount, order.TotalQuantity = models.SumQuantity(order.Items)
	result.ItemsInserted = len(order.Items)

	if status.MovesToHistory() {
		// First seen already shipped: it never becomes active.
		hist := order.ToHistory(now)
		for _, it := range order.Items {
			hist.Items = append(hist.Items, it.ToHistory(0))
		}
		if err := tx.Create(&hist).Error; err != nil {
			return err
		}
		if err := ensureTracking(tx, remote, now); err != nil {
			return err
		}
		result.Action = ActionArchived
		r.log(remote.ID, "order archived on first sight")
		return nil
	}

	if err := tx.Create(&order).Error; err != nil {
		return err
	}
	result.OrderId = order.ID
	result.Action = ActionCreated
	if dup != nil {
		return r.rejectLines(tx, &order.ID, remote.ID, dup, now, result)
	}
	return nil
}

func (r *Reconciler) update(ctx context.Context, tx *gorm.DB, local models.Order, remote gateway.RemoteOrder, status models.OrderStatus, lines []Line, dup *DuplicateLineError, now time.Time, result *MergeResult) error {
	result.OrderId = local.ID
	result.Action = ActionUpdated

	if status != local.Status {
		if local.Status.IsTerminal() {
			result.TerminalKept = true
			status = local.Status
			r.logger.WithFields(logrus.Fields{
				"field":       "Reconciler",
				"remote_id":   remote.ID,
				"local":       string(local.Status),
				"remote":      remote.Status,
				"remote_time": remote.ModifiedAt.Format(time.RFC3339),
			}).Warn("remote moved a terminal order, keeping local status")
		} else {
			result.Transition = &Transition{From: local.Status, To: status}
			r.logger.WithFields(logrus.Fields{
				"field":     "Reconciler",
				"remote_id": remote.ID,
				"from":      string(local.Status),
				"to":        string(status),
			}).Info("order status transition")
		}
	}

	items := local.Items
	if remote.Items != nil && dup == nil {
		var err error
		items, err = r.mergeLines(tx, local, lines, now, result)
		if err != nil {
			return err
		}
	}
	itemCount, totalQty := models.SumQuantity(items)

	header := orderFromRemote(remote, status)
	if err := tx.Model(&models.Order{}).Where("id = ?", local.ID).Updates(map[string]interface{}{
		"order_number":        header.OrderNumber,
		"status":              header.Status,
		"ship_to_name":        header.ShipToName,
		"ship_to_street":      header.ShipToStreet,
		"ship_to_city":        header.ShipToCity,
		"ship_to_postal_code": header.ShipToPostalCode,
		"ship_to_country":     header.ShipToCountry,
		"carrier_code":        header.CarrierCode,
		"service_code":        header.ServiceCode,
		"tracking_number":     header.TrackingNumber,
		"remote_modified_at":  header.RemoteModifiedAt,
		"item_count":          itemCount,
		"total_quantity":      totalQty,
	}).Error; err != nil {
		return err
	}

	if dup != nil {
		if err := r.rejectLines(tx, &local.ID, remote.ID, dup, now, result); err != nil {
			return err
		}
	}

	if len(local.Items) == 0 && itemCount > 0 {
		if err := models.ResolveAlert(tx, models.AlertTypeGhostOrder, remote.ID, now); err != nil {
			return err
		}
	}

	if status.MovesToHistory() && !local.Status.IsTerminal() {
		merged := local
		merged.OrderNumber = header.OrderNumber
		merged.Status = status
		merged.ShipToName = header.ShipToName
		merged.ShipToStreet = header.ShipToStreet
		merged.ShipToCity = header.ShipToCity
		merged.ShipToPostalCode = header.ShipToPostalCode
		merged.ShipToCountry = header.ShipToCountry
		merged.CarrierCode = header.CarrierCode
		merged.ServiceCode = header.ServiceCode
		merged.TrackingNumber = header.TrackingNumber
		merged.RemoteModifiedAt = header.RemoteModifiedAt
		merged.ItemCount = itemCount
		merged.TotalQuantity = totalQty
		merged.Items = items
		if err := archive(ctx, tx, merged, now); err != nil {
			return err
		}
		if err := ensureTracking(tx, remote, now); err != nil {
			return err
		}
		result.Action = ActionArchived
		r.log(remote.ID, "order archived")
	}
	return nil
}

// mergeLines upserts lines keyed by product and returns the resulting local
// lines. Local lines missing from the snapshot are kept and flagged.
func (r *Reconciler) mergeLines(tx *gorm.DB, local models.Order, lines []Line, now time.Time, result *MergeResult) ([]models.OrderItem, error) {
	existing := make(map[string]models.OrderItem, len(local.Items))
	for _, it := range local.Items {
		existing[it.ProductId] = it
	}

	seen := make(map[string]bool, len(lines))
	out := make([]models.OrderItem, 0, len(lines)+len(local.Items))
	for _, l := range lines {
		seen[l.ProductId] = true
		cur, ok := existing[l.ProductId]
		if !ok {
			item := models.OrderItem{OrderId: local.ID, ProductId: l.ProductId, LotNumber: l.LotNumber, Quantity: l.Quantity}
			if err := tx.Create(&item).Error; err != nil {
				return nil, err
			}
			result.ItemsInserted++
			out = append(out, item)
			continue
		}
		if !cur.Quantity.Equal(l.Quantity) || cur.LotNumber != l.LotNumber {
			if err := tx.Model(&models.OrderItem{}).Where("id = ?", cur.ID).Updates(map[string]interface{}{
				"quantity":   l.Quantity,
				"lot_number": l.LotNumber,
			}).Error; err != nil {
				return nil, err
			}
			cur.Quantity = l.Quantity
			cur.LotNumber = l.LotNumber
			result.ItemsUpdated++
		}
		out = append(out, cur)
	}

	var missing []models.OrderItem
	for _, it := range local.Items {
		if !seen[it.ProductId] {
			missing = append(missing, it)
			result.MissingRemote = append(result.MissingRemote, it.ProductId)
			out = append(out, it)
		}
	}
	if len(missing) > 0 {
		created, err := models.UpsertAlert(tx, models.NewAlert{
			OrderId:    &local.ID,
			SubjectKey: local.RemoteId,
			AlertType:  models.AlertTypeItemMissingRemote,
			Detail:     missingRemoteDetail{RemoteId: local.RemoteId, Items: missing},
			DetectedAt: now,
		})
		if err != nil {
			return nil, err
		}
		if created {
			result.Alerts++
		}
	}
	return out, nil
}

type missingRemoteDetail struct {
	RemoteId string             `json:"remote_id"`
	Items    []models.OrderItem `json:"items"`
}

func (r *Reconciler) rejectLines(tx *gorm.DB, orderID *uint, remoteID string, dup *DuplicateLineError, now time.Time, result *MergeResult) error {
	result.LinesRejected = true
	created, err := RaiseDuplicateLineAlert(tx, orderID, remoteID, dup, now)
	if err != nil {
		return err
	}
	if created {
		result.Alerts++
	}
	r.logger.WithFields(logrus.Fields{
		"field":     "Reconciler",
		"remote_id": remoteID,
		"products":  dup.Products,
	}).Warn("duplicate product lines rejected")
	return nil
}

func (r *Reconciler) log(remoteID string, msg string) {
	r.logger.WithFields(logrus.Fields{
		"field":     "Reconciler",
		"remote_id": remoteID,
	}).Info(msg)
}

// archive copies the order and its lines into history and removes the active
// rows, all on tx.
func archive(ctx context.Context, tx *gorm.DB, order models.Order, now time.Time) error {
	hist := order.ToHistory(now)
	if err := tx.Create(&hist).Error; err != nil {
		return err
	}
	if len(order.Items) > 0 {
		rows := make([]models.OrderItemHistory, 0, len(order.Items))
		for _, it := range order.Items {
			rows = append(rows, it.ToHistory(hist.ID))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
	}

	moveTx := tx.WithContext(appctx.WithArchiveMove(ctx))
	if err := moveTx.Where("order_id = ?", order.ID).Delete(&models.OrderItem{}).Error; err != nil {
		return err
	}
	return moveTx.Where("id = ?", order.ID).Delete(&models.Order{}).Error
}

// ensureTracking registers a shipped order's tracking number for polling.
func ensureTracking(tx *gorm.DB, remote gateway.RemoteOrder, now time.Time) error {
	if remote.TrackingNumber == "" {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tracking_number", "carrier_code"}),
	}).Create(&models.TrackingState{
		RemoteOrderId:  remote.ID,
		TrackingNumber: remote.TrackingNumber,
		CarrierCode:    remote.CarrierCode,
		StatusCode:     models.TrackingCodeUnknown,
		NextCheckAt:    now,
	}).Error
}

func orderFromRemote(remote gateway.RemoteOrder, status models.OrderStatus) models.Order {
	return models.Order{
		RemoteId:         remote.ID,
		OrderNumber:      remote.OrderNumber,
		Status:           status,
		ShipToName:       remote.ShipTo.Name,
		ShipToStreet:     remote.ShipTo.Street,
		ShipToCity:       remote.ShipTo.City,
		ShipToPostalCode: remote.ShipTo.PostalCode,
		ShipToCountry:    remote.ShipTo.Country,
		CarrierCode:      remote.CarrierCode,
		ServiceCode:      remote.ServiceCode,
		TrackingNumber:   remote.TrackingNumber,
		RemoteModifiedAt: models.CursorTime(remote.ModifiedAt),
	}
}
