package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/ordersync/anomaly"
	"github.com/mmdatafocus/ordersync/backfill"
	"github.com/mmdatafocus/ordersync/claim"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/governor"
	"github.com/mmdatafocus/ordersync/reconcile"
	"github.com/mmdatafocus/ordersync/tracking"
	"github.com/sirupsen/logrus"
)

var errContended = errors.New("order claimed by another run")

// runOrderStatus pages the changed-orders feed from the watermark, merges
// every order under its own claim, then repairs ghost orders and runs the
// detectors. The watermark only moves through the contiguous prefix of pages
// whose every order merged cleanly.
func (e *Engine) runOrderStatus(ctx context.Context, c *cycle) {
	rec := reconcile.New(e.db, e.claims, e.logger, e.settings.DuplicateLinePolicy)
	rec.Now = e.Now

	cursor := c.since
	clean := true
	pageToken := ""
	var snapshots []gateway.RemoteOrder

pages:
	for page := 0; page < e.maxPages(); page++ {
		if page > 0 && !e.renewStreamClaim(ctx, c) {
			e.recordError(ctx, c, "page", pageToken, claim.ErrClaimLost, gateway.KindTransient, nil)
			clean = false
			break
		}
		if err := ctx.Err(); err != nil {
			e.recordError(ctx, c, "page", pageToken, err, gateway.KindTransient, nil)
			clean = false
			break
		}

		q := gateway.ChangedQuery{Since: c.since, PageToken: pageToken, Limit: e.settings.BatchSize}
		var res *gateway.ChangedPage
		err := c.gov.Do(ctx, "fetch_changed", func(ctx context.Context) error {
			var err error
			res, err = e.remote.FetchChanged(ctx, q)
			return err
		})
		if err != nil {
			e.recordError(ctx, c, "page", pageToken, err, classify(err), q)
			clean = false
			break
		}
		c.report.Fetched += len(res.Orders)

		pageClean := true
		for _, remote := range res.Orders {
			if !e.mergeOne(ctx, c, rec, remote) {
				pageClean = false
			}
			if c.report.Fatal > 0 {
				clean = false
				break pages
			}
			if remote.Items != nil {
				snapshots = append(snapshots, remote)
			}
		}
		if clean && pageClean {
			cursor = res.NextCursor
		} else {
			clean = false
		}

		if !res.HasMore || res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	if c.report.Fatal > 0 {
		return
	}
	if cursor.After(c.since) || c.report.WatermarkBefore.IsZero() {
		c.advanceTo = cursor
	}

	if state := c.gov.State(); (state == governor.StateNormal || state == governor.StateBackoff) && e.renewStreamClaim(ctx, c) {
		e.runBackfill(ctx, c)
	}
	if c.report.Fatal > 0 {
		return
	}

	qty := anomaly.NewQuantityMismatchDetector(e.db, e.logger)
	rep, err := qty.Detect(ctx, snapshots)
	c.report.Flagged += rep.Created
	if err != nil {
		e.recordError(ctx, c, "anomaly", "quantity_mismatch", err, gateway.KindTransient, nil)
	}
	e.runAnomalies(ctx, c)
}

// mergeOne merges one remote order under the order claim and reports whether
// it completed cleanly.
func (e *Engine) mergeOne(ctx context.Context, c *cycle, rec *reconcile.Reconciler, remote gateway.RemoteOrder) bool {
	key := claim.OrderKey(remote.ID)
	ok, err := e.claims.TryClaim(ctx, key, c.runID, e.settings.ClaimTTL)
	if err != nil {
		e.recordError(ctx, c, "order", remote.ID, fmt.Errorf("claim order: %w", err), gateway.KindTransient, nil)
		return false
	}
	if !ok {
		c.report.Contended++
		e.recordError(ctx, c, "order", remote.ID, errContended, gateway.KindTransient, nil)
		return false
	}
	defer func() {
		if err := e.claims.Release(context.WithoutCancel(ctx), key, c.runID); err != nil {
			e.logger.WithFields(logrus.Fields{
				"field":     "SyncEngine",
				"remote_id": remote.ID,
			}).Warn("release order claim: " + err.Error())
		}
	}()

	result, err := rec.Merge(ctx, remote, reconcile.Guard{Key: key, RunID: c.runID})
	if err != nil {
		e.recordError(ctx, c, "order", remote.ID, err, classify(err), remote)
		return false
	}
	c.successes++
	c.report.Flagged += result.Alerts
	switch result.Action {
	case reconcile.ActionCreated, reconcile.ActionUpdated:
		c.report.Merged++
	case reconcile.ActionArchived:
		c.report.Archived++
	default:
		c.report.Skipped++
	}
	return true
}

func (e *Engine) runBackfill(ctx context.Context, c *cycle) {
	resolver := backfill.New(e.db, e.remote, c.gov, e.claims, e.logger, backfill.Options{
		RunID:               c.runID,
		ClaimTTL:            e.settings.ClaimTTL,
		DuplicateLinePolicy: e.settings.DuplicateLinePolicy,
	})
	resolver.Now = e.Now

	orders, err := resolver.Candidates(ctx, e.settings.BackfillLimit)
	if err != nil {
		e.recordError(ctx, c, "backfill", "candidates", err, gateway.KindTransient, nil)
		return
	}
	pass := resolver.Pass(ctx, orders)
	for _, out := range pass.Outcomes {
		switch out.Kind {
		case backfill.OutcomeFilled:
			c.successes++
			c.report.Backfilled++
		case backfill.OutcomeCancelled:
			c.successes++
			c.report.Cancelled++
		case backfill.OutcomeWorkInProgress:
			c.successes++
			c.report.WorkInProgress++
			if out.AlertCreated {
				c.report.Flagged++
			}
		case backfill.OutcomeRejected:
			c.successes++
			c.report.Rejected++
			if out.AlertCreated {
				c.report.Flagged++
			}
		case backfill.OutcomeSkipped:
			c.report.Skipped++
		case backfill.OutcomeError:
			e.recordError(ctx, c, "order", out.RemoteId, out.Err, out.ErrKind, nil)
		}
	}
	if pass.Aborted && ctx.Err() != nil {
		e.recordError(ctx, c, "backfill", "pass", pass.AbortErr, gateway.KindTransient, nil)
	}
}

func (e *Engine) runTracking(ctx context.Context, c *cycle) {
	poller := tracking.New(e.db, e.remote, c.gov, e.logger, e.settings.TrackingRecheck)
	poller.Now = e.Now

	states, err := poller.Candidates(ctx, c.startedAt, e.settings.TrackingLimit)
	if err != nil {
		e.recordError(ctx, c, "tracking", "candidates", err, gateway.KindTransient, nil)
		return
	}
	c.report.Fetched += len(states)

	rep := poller.Poll(ctx, states)
	c.successes += rep.Checked + rep.NotFound
	c.report.TrackingChecked += rep.Checked + rep.NotFound
	c.report.Delivered += rep.Delivered
	c.report.Errors += rep.Errors
	if rep.Fatal > 0 {
		c.report.Fatal += rep.Fatal
		if c.fatalErr == nil {
			c.fatalErr = rep.AbortErr
		}
	}
	if rep.Aborted && rep.AbortErr != nil {
		e.persistError(ctx, c, "tracking", "pass", rep.AbortErr, classify(rep.AbortErr), nil)
	}
}

func (e *Engine) runAnomalies(ctx context.Context, c *cycle) {
	dup := anomaly.NewDuplicateDetector(e.db, e.logger)
	lot := anomaly.NewLotMismatchDetector(e.db, e.lots, e.logger)
	rep, err := anomaly.Run(ctx, dup, lot)
	c.report.Flagged += rep.Created
	if err != nil {
		e.recordError(ctx, c, "anomaly", "detectors", err, gateway.KindTransient, nil)
		return
	}
	c.successes++
}

func (e *Engine) maxPages() int {
	if e.settings.MaxPages <= 0 {
		return 1
	}
	return e.settings.MaxPages
}
