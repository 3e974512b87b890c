package backfill

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ordersync/claim"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/reconcile"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DetailFetcher interface {
	FetchDetail(ctx context.Context, remoteID string) (*gateway.RemoteOrder, error)
}

// Caller runs a remote call under the cycle's rate and backoff policy.
type Caller interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type Claimer interface {
	TryClaim(ctx context.Context, batchKey string, runID string, ttl time.Duration) (bool, error)
	Check(tx *gorm.DB, batchKey string, runID string) error
	Release(ctx context.Context, batchKey string, runID string) error
}

type OutcomeKind string

const (
	OutcomeFilled         OutcomeKind = "filled"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeWorkInProgress OutcomeKind = "work_in_progress"
	OutcomeSkipped        OutcomeKind = "skipped"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeError          OutcomeKind = "error"
)

type Outcome struct {
	RemoteId string
	OrderId  uint
	Kind     OutcomeKind
	// Items is the number of lines written for a filled order.
	Items  int
	Reason string
	// AlertCreated is set when the outcome opened a new alert rather than
	// refreshing one.
	AlertCreated bool
	Err    error
	// ErrKind classifies Err; DB failures are transient.
	ErrKind gateway.Kind
}

type PassReport struct {
	Outcomes []Outcome
	// Aborted is set when a rate limit or fatal failure ended the pass early.
	Aborted  bool
	AbortErr error
}

func (p PassReport) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// CountErrKind counts error outcomes of the given classification.
func (p PassReport) CountErrKind(kind gateway.Kind) int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Kind == OutcomeError && o.ErrKind == kind {
			n++
		}
	}
	return n
}

type Options struct {
	RunID               string
	ClaimTTL            time.Duration
	DuplicateLinePolicy string
}

// Resolver repairs ghost orders: active orders whose lines never arrived.
type Resolver struct {
	db     *gorm.DB
	remote DetailFetcher
	gov    Caller
	claims Claimer
	logger *logrus.Logger
	opts   Options
	Now    func() time.Time
}

func New(db *gorm.DB, remote DetailFetcher, gov Caller, claims Claimer, logger *logrus.Logger, opts Options) *Resolver {
	if logger == nil {
		logger = config.GetLogger()
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	if opts.DuplicateLinePolicy == "" {
		opts.DuplicateLinePolicy = config.DuplicateLinePolicyReject
	}
	return &Resolver{
		db:     db,
		remote: remote,
		gov:    gov,
		claims: claims,
		logger: logger,
		opts:   opts,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Candidates returns non-draft, non-terminal orders with a remote id and no lines.
func (r *Resolver) Candidates(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := r.db.WithContext(ctx).
		Where("remote_id <> ''").
		Where("status NOT IN ?", append(models.TerminalOrderStatuses(), models.OrderStatusDraft)).
		Where("NOT EXISTS (SELECT 1 FROM order_items WHERE order_items.order_id = orders.id)").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// Pass backfills each order in its own transaction. A rate limit or a fatal
// failure stops the pass before the next order; other failures are recorded
// and the pass continues.
func (r *Resolver) Pass(ctx context.Context, orders []models.Order) PassReport {
	var report PassReport
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			report.AbortErr = err
			break
		}
		out := r.Backfill(ctx, order)
		report.Outcomes = append(report.Outcomes, out)
		if out.Kind == OutcomeError && (out.ErrKind == gateway.KindRateLimited || out.ErrKind == gateway.KindFatal) {
			report.Aborted = true
			report.AbortErr = out.Err
			r.logger.WithFields(logrus.Fields{
				"field":     "BackfillResolver",
				"remote_id": order.RemoteId,
				"kind":      out.ErrKind.String(),
				"remaining": len(orders) - len(report.Outcomes),
			}).Warn("backfill pass aborted")
			break
		}
	}
	return report
}

// Backfill fetches the order's detail and repairs the local copy.
func (r *Resolver) Backfill(ctx context.Context, order models.Order) Outcome {
	out := Outcome{RemoteId: order.RemoteId, OrderId: order.ID}
	key := claim.OrderKey(order.RemoteId)

	ok, err := r.claims.TryClaim(ctx, key, r.opts.RunID, r.opts.ClaimTTL)
	if err != nil {
		return r.failed(out, err, gateway.KindTransient)
	}
	if !ok {
		out.Kind = OutcomeSkipped
		out.Reason = "claimed by another run"
		return out
	}
	defer func() {
		if err := r.claims.Release(context.WithoutCancel(ctx), key, r.opts.RunID); err != nil {
			config.LogError(r.logger, "backfill", "Backfill", "release claim", order.RemoteId, err)
		}
	}()

	var detail *gateway.RemoteOrder
	err = r.gov.Do(ctx, "fetch_detail", func(ctx context.Context) error {
		var err error
		detail, err = r.remote.FetchDetail(ctx, order.RemoteId)
		return err
	})
	switch {
	case gateway.IsNotFound(err):
		return r.cancel(ctx, out, key)
	case err != nil:
		return r.failed(out, err, gateway.KindOf(err))
	}

	if len(detail.Items) == 0 {
		return r.workInProgress(ctx, out, key)
	}

	lines, err := reconcile.CollapseLines(detail.Items, r.opts.DuplicateLinePolicy)
	var dup *reconcile.DuplicateLineError
	if errors.As(err, &dup) {
		return r.reject(ctx, out, key, dup)
	}
	if err != nil {
		return r.failed(out, err, gateway.KindFatal)
	}
	return r.fill(ctx, out, key, lines)
}

func (r *Resolver) fill(ctx context.Context, out Outcome, key string, lines []reconcile.Line) Outcome {
	now := r.Now()
	filled := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.claims.Check(tx, key, r.opts.RunID); err != nil {
			return err
		}
		if err := ensureActive(tx, out.OrderId); err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&models.OrderItem{}).Where("order_id = ?", out.OrderId).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		items := make([]models.OrderItem, 0, len(lines))
		for _, l := range lines {
			items = append(items, models.OrderItem{OrderId: out.OrderId, ProductId: l.ProductId, LotNumber: l.LotNumber, Quantity: l.Quantity})
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		count, total := models.SumQuantity(items)
		if err := tx.Model(&models.Order{}).Where("id = ?", out.OrderId).Updates(map[string]interface{}{
			"item_count":     count,
			"total_quantity": total,
		}).Error; err != nil {
			return err
		}
		if err := models.ResolveAlert(tx, models.AlertTypeGhostOrder, out.RemoteId, now); err != nil {
			return err
		}
		out.Items = count
		filled = true
		return nil
	})
	if err != nil {
		return r.txFailed(out, err)
	}
	if !filled {
		out.Kind = OutcomeSkipped
		out.Reason = "already has lines"
		return out
	}
	out.Kind = OutcomeFilled
	r.logger.WithFields(logrus.Fields{
		"field":     "BackfillResolver",
		"remote_id": out.RemoteId,
		"items":     out.Items,
	}).Debug("ghost order filled")
	return out
}

// cancel marks an order the remote no longer knows as cancelled. No alert.
func (r *Resolver) cancel(ctx context.Context, out Outcome, key string) Outcome {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.claims.Check(tx, key, r.opts.RunID); err != nil {
			return err
		}
		if err := ensureActive(tx, out.OrderId); err != nil {
			return err
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status NOT IN ?", out.OrderId, models.TerminalOrderStatuses()).
			Update("status", models.OrderStatusCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoLongerActive
		}
		return nil
	})
	if err != nil {
		return r.txFailed(out, err)
	}
	out.Kind = OutcomeCancelled
	r.logger.WithFields(logrus.Fields{
		"field":     "BackfillResolver",
		"remote_id": out.RemoteId,
	}).Info("ghost order not found remotely, cancelled")
	return out
}

type ghostDetail struct {
	RemoteId  string    `json:"remote_id"`
	CheckedAt time.Time `json:"checked_at"`
	Reason    string    `json:"reason"`
}

func (r *Resolver) workInProgress(ctx context.Context, out Outcome, key string) Outcome {
	now := r.Now()
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.claims.Check(tx, key, r.opts.RunID); err != nil {
			return err
		}
		if err := ensureActive(tx, out.OrderId); err != nil {
			return err
		}
		orderID := out.OrderId
		var err error
		created, err = models.UpsertAlert(tx, models.NewAlert{
			OrderId:    &orderID,
			SubjectKey: out.RemoteId,
			AlertType:  models.AlertTypeGhostOrder,
			Detail:     ghostDetail{RemoteId: out.RemoteId, CheckedAt: now, Reason: "remote order has no lines yet"},
			DetectedAt: now,
		})
		return err
	})
	if err != nil {
		return r.txFailed(out, err)
	}
	out.Kind = OutcomeWorkInProgress
	out.AlertCreated = created
	r.logger.WithFields(logrus.Fields{
		"field":     "BackfillResolver",
		"remote_id": out.RemoteId,
	}).Warn("remote order has no lines yet, leaving it for a later pass")
	return out
}

func (r *Resolver) reject(ctx context.Context, out Outcome, key string, dup *reconcile.DuplicateLineError) Outcome {
	now := r.Now()
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.claims.Check(tx, key, r.opts.RunID); err != nil {
			return err
		}
		if err := ensureActive(tx, out.OrderId); err != nil {
			return err
		}
		orderID := out.OrderId
		var err error
		created, err = reconcile.RaiseDuplicateLineAlert(tx, &orderID, out.RemoteId, dup, now)
		return err
	})
	if err != nil {
		return r.txFailed(out, err)
	}
	out.Kind = OutcomeRejected
	out.AlertCreated = created
	out.Reason = dup.Error()
	r.logger.WithFields(logrus.Fields{
		"field":     "BackfillResolver",
		"remote_id": out.RemoteId,
		"products":  dup.Products,
	}).Warn("ghost order has duplicate product lines, nothing written")
	return out
}

// errNoLongerActive means the candidate was archived, cancelled or removed
// after the pass read its candidate list.
var errNoLongerActive = errors.New("order no longer active")

// ensureActive re-reads the candidate inside the per-order transaction.
func ensureActive(tx *gorm.DB, orderID uint) error {
	var n int64
	if err := tx.Model(&models.Order{}).
		Where("id = ? AND status NOT IN ?", orderID, models.TerminalOrderStatuses()).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return errNoLongerActive
	}
	return nil
}

// txFailed maps a failed per-order transaction; a lost claim means another
// run owns the order now.
func (r *Resolver) txFailed(out Outcome, err error) Outcome {
	if errors.Is(err, claim.ErrClaimLost) {
		out.Kind = OutcomeSkipped
		out.Reason = "claim lost"
		out.Err = err
		return out
	}
	if errors.Is(err, errNoLongerActive) {
		out.Kind = OutcomeSkipped
		out.Reason = "no longer active"
		return out
	}
	return r.failed(out, err, gateway.KindTransient)
}

func (r *Resolver) failed(out Outcome, err error, kind gateway.Kind) Outcome {
	out.Kind = OutcomeError
	out.Err = err
	out.ErrKind = kind
	config.LogError(r.logger, "backfill", "Backfill", kind.String(), out.RemoteId, err)
	return out
}
