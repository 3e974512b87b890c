package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/anomaly"
	"github.com/mmdatafocus/ordersync/claim"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/governor"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/mmdatafocus/ordersync/watermark"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrStreamHalted is returned for a stream stopped by a fatal failure until
// an operator resumes it.
var ErrStreamHalted = errors.New("stream halted")

// Remote is the remote order API as the engine uses it.
type Remote interface {
	FetchChanged(ctx context.Context, q gateway.ChangedQuery) (*gateway.ChangedPage, error)
	FetchDetail(ctx context.Context, remoteID string) (*gateway.RemoteOrder, error)
	FetchTracking(ctx context.Context, carrierCode string, trackingNumber string) (*gateway.TrackingInfo, error)
}

type Engine struct {
	db         *gorm.DB
	remote     Remote
	settings   config.EngineSettings
	logger     *logrus.Logger
	claims     *claim.Manager
	watermarks *watermark.Store
	lots       anomaly.LotRegistry
	tracer     trace.Tracer

	Now      func() time.Time
	NewRunID func() string
	// NewGovernor builds the governor of one cycle.
	NewGovernor func() *governor.Governor
}

func New(db *gorm.DB, remote Remote, settings config.EngineSettings, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	e := &Engine{
		db:         db,
		remote:     remote,
		settings:   settings,
		logger:     logger,
		claims:     claim.NewManager(db),
		watermarks: watermark.NewStore(db),
		lots:       anomaly.NewCachedLotRegistry(anomaly.NewDBLotRegistry(db), settings.LotCacheTTL, logger),
		tracer:     otel.Tracer("github.com/mmdatafocus/ordersync/syncengine"),
		Now:        func() time.Time { return time.Now().UTC() },
		NewRunID:   uuid.NewString,
	}
	e.NewGovernor = func() *governor.Governor {
		return governor.New(governor.ConfigFromSettings(e.settings), e.logger)
	}
	return e
}

// SetClock points the engine and its stores at one time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.claims.Now = now
	e.watermarks.Now = now
}

func (e *Engine) Watermarks() *watermark.Store { return e.watermarks }

// cycle carries the state of one RunCycle.
type cycle struct {
	stream    models.StreamID
	runID     string
	run       models.SyncRun
	gov       *governor.Governor
	report    CycleReport
	successes int
	since     time.Time
	startedAt time.Time
	// advanceTo is where the watermark moves if the cycle has no fatal.
	advanceTo time.Time
	fatalErr  error
}

// RunCycle runs one cycle of stream. A halted stream returns ErrStreamHalted;
// losing the stream claim to another run yields status skipped and no error.
func (e *Engine) RunCycle(ctx context.Context, stream models.StreamID, triggeredBy string) (CycleReport, error) {
	startedAt := e.Now()
	runID := e.NewRunID()
	ctx = utils.SetRunIdInContext(ctx, runID)
	ctx = utils.SetStreamInContext(ctx, string(stream))

	ctx, span := e.tracer.Start(ctx, "ordersync.cycle", trace.WithAttributes(
		attribute.String("stream", string(stream)),
		attribute.String("run_id", runID),
		attribute.String("triggered_by", triggeredBy),
	))
	defer span.End()

	c := &cycle{
		stream:    stream,
		runID:     runID,
		startedAt: startedAt,
		report:    CycleReport{Stream: stream, RunID: runID},
	}

	err := e.runCycle(ctx, c, triggeredBy)
	c.report.Duration = e.Now().Sub(startedAt)

	span.SetAttributes(
		attribute.String("status", string(c.report.Status)),
		attribute.Int("fetched", c.report.Fetched),
		attribute.Int("errors", c.report.Errors),
		attribute.Int("fatal", c.report.Fatal),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.logCycle(c, err)
	return c.report, err
}

func (e *Engine) runCycle(ctx context.Context, c *cycle, triggeredBy string) error {
	if _, err := models.ParseStreamID(string(c.stream)); err != nil {
		c.report.Status = models.RunStatusFailed
		return err
	}
	wm, err := e.watermarks.Read(ctx, c.stream)
	if err != nil {
		c.report.Status = models.RunStatusFailed
		return fmt.Errorf("read watermark: %w", err)
	}
	c.report.WatermarkBefore = wm.Position
	c.report.WatermarkAfter = wm.Position
	if wm.Halted() {
		c.report.Status = models.RunStatusFailed
		return fmt.Errorf("%w: %s since %s: %s", ErrStreamHalted, c.stream, wm.HaltedAt.UTC().Format(time.RFC3339), wm.HaltReason)
	}

	streamKey := claim.StreamKey(c.stream)
	ok, err := e.claims.TryClaim(ctx, streamKey, c.runID, e.settings.ClaimTTL)
	if err != nil {
		c.report.Status = models.RunStatusFailed
		return fmt.Errorf("claim stream: %w", err)
	}
	if !ok {
		c.report.Status = models.RunStatusSkipped
		return nil
	}
	defer func() {
		if err := e.claims.Release(context.WithoutCancel(ctx), streamKey, c.runID); err != nil {
			config.LogError(e.logger, "syncengine", "RunCycle", "release stream claim", c.stream, err)
		}
	}()

	if err := e.startRun(ctx, c, triggeredBy, wm); err != nil {
		c.report.Status = models.RunStatusFailed
		return err
	}

	c.since = wm.Position
	if c.since.IsZero() {
		c.since = c.startedAt.Add(-e.settings.InitialLookback)
	}
	c.gov = e.NewGovernor()

	switch c.stream {
	case models.StreamOrderStatus:
		e.runOrderStatus(ctx, c)
	case models.StreamBackfill:
		e.runBackfill(ctx, c)
		c.advanceTo = c.startedAt
	case models.StreamTrackingStatus:
		e.runTracking(ctx, c)
		c.advanceTo = c.startedAt
	case models.StreamAnomalies:
		e.runAnomalies(ctx, c)
		c.advanceTo = c.startedAt
	}

	c.report.Status = decideStatus(c.report, c.successes)
	if err := e.finishRun(ctx, c); err != nil {
		c.report.Status = models.RunStatusFailed
		e.markRunFailed(ctx, c, err)
		return err
	}

	if c.report.Fatal > 0 {
		reason := "fatal failure"
		if c.fatalErr != nil {
			reason = c.fatalErr.Error()
		}
		if err := e.watermarks.Halt(context.WithoutCancel(ctx), c.stream, reason); err != nil {
			config.LogError(e.logger, "syncengine", "RunCycle", "persist stream halt", c.stream, err)
		}
		e.logger.WithFields(logrus.Fields{
			"field":  "SyncEngine",
			"stream": string(c.stream),
			"run_id": c.runID,
		}).Error("stream halted after fatal failure: " + reason)
	}
	return nil
}

// renewStreamClaim extends the stream claim between long phases. It reports
// false once another run owns the stream.
func (e *Engine) renewStreamClaim(ctx context.Context, c *cycle) bool {
	ok, err := e.claims.TryClaim(ctx, claim.StreamKey(c.stream), c.runID, e.settings.ClaimTTL)
	if err != nil {
		config.LogError(e.logger, "syncengine", "renewStreamClaim", "renew stream claim", c.stream, err)
		return true
	}
	return ok
}

func (c *cycle) fatal(err error) {
	c.report.Fatal++
	if c.fatalErr == nil {
		c.fatalErr = err
	}
}

func (e *Engine) startRun(ctx context.Context, c *cycle, triggeredBy string, wm watermark.Watermark) error {
	startedAt := c.startedAt
	c.run = models.SyncRun{
		RunId:       c.runID,
		StreamId:    c.stream,
		Status:      models.RunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   &startedAt,
	}
	if !wm.Position.IsZero() {
		before := wm.Position
		c.run.WatermarkBefore = &before
	}
	if err := e.db.WithContext(ctx).Create(&c.run).Error; err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

// finishRun confirms the cycle in one transaction: the stream claim is
// checked, the watermark advanced when nothing fatal happened, and the run
// row finalized.
func (e *Engine) finishRun(ctx context.Context, c *cycle) error {
	finishedAt := e.Now()
	return e.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := e.claims.Check(tx, claim.StreamKey(c.stream), c.runID); err != nil {
			return err
		}
		if c.report.Fatal == 0 && !c.advanceTo.IsZero() {
			moved, err := e.watermarks.Advance(tx, c.stream, c.advanceTo)
			if err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
			if moved {
				c.report.WatermarkAfter = c.advanceTo.UTC()
			}
		}

		c.report.Duration = finishedAt.Sub(c.startedAt)
		statsJSON, _ := json.Marshal(c.report)
		updates := map[string]interface{}{
			"status":             c.report.Status,
			"finished_at":        finishedAt,
			"duration_ms":        c.report.Duration.Milliseconds(),
			"records_fetched":    c.report.Fetched,
			"records_merged":     c.report.Merged + c.report.Archived,
			"records_backfilled": c.report.Backfilled,
			"records_flagged":    c.report.Flagged,
			"error_count":        c.report.Errors,
			"fatal_count":        c.report.Fatal,
			"stats_json":         statsJSON,
		}
		if !c.report.WatermarkAfter.IsZero() {
			updates["watermark_after"] = c.report.WatermarkAfter
		}
		return tx.Model(&models.SyncRun{}).Where("id = ?", c.run.ID).Updates(updates).Error
	})
}

func (e *Engine) markRunFailed(ctx context.Context, c *cycle, cause error) {
	if c.run.ID == 0 {
		return
	}
	now := e.Now()
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Model(&models.SyncRun{}).
		Where("id = ?", c.run.ID).
		Updates(map[string]interface{}{
			"status":      models.RunStatusFailed,
			"finished_at": now,
			"duration_ms": now.Sub(c.startedAt).Milliseconds(),
			"error_count": c.report.Errors,
			"fatal_count": c.report.Fatal,
		}).Error; err != nil {
		config.LogError(e.logger, "syncengine", "markRunFailed", "finalize run", c.runID, err)
	}
	config.LogError(e.logger, "syncengine", "RunCycle", "finish run", c.runID, cause)
}

func (e *Engine) logCycle(c *cycle, err error) {
	fields := logrus.Fields{
		"field":            "SyncEngine",
		"stream":           string(c.stream),
		"run_id":           c.runID,
		"status":           string(c.report.Status),
		"fetched":          c.report.Fetched,
		"merged":           c.report.Merged,
		"skipped":          c.report.Skipped,
		"archived":         c.report.Archived,
		"backfilled":       c.report.Backfilled,
		"cancelled":        c.report.Cancelled,
		"work_in_progress": c.report.WorkInProgress,
		"flagged":          c.report.Flagged,
		"errors":           c.report.Errors,
		"fatal":            c.report.Fatal,
		"duration_ms":      c.report.Duration.Milliseconds(),
	}
	if !c.report.WatermarkAfter.IsZero() {
		fields["watermark"] = c.report.WatermarkAfter.Format(time.RFC3339Nano)
	}
	entry := e.logger.WithFields(fields)
	switch {
	case err != nil:
		entry.Error("sync cycle failed: " + err.Error())
	case c.report.Status == models.RunStatusFailed:
		entry.Error("sync cycle finished")
	case c.report.Status == models.RunStatusPartial:
		entry.Warn("sync cycle finished")
	default:
		entry.Info("sync cycle finished")
	}
}

// recordError counts one per-record failure of the given kind and persists
// it against the cycle's run.
func (e *Engine) recordError(ctx context.Context, c *cycle, entityType string, externalID string, err error, kind gateway.Kind, payload any) {
	if kind == gateway.KindFatal {
		c.fatal(err)
	} else {
		c.report.Errors++
	}
	e.persistError(ctx, c, entityType, externalID, err, kind, payload)
}

func (e *Engine) persistError(ctx context.Context, c *cycle, entityType string, externalID string, err error, kind gateway.Kind, payload any) {
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if sErr := createSyncError(ctx, e.db, c.run.ID, c.stream, entityType, externalID, errorCode(err), kind, err.Error(), raw, kind != gateway.KindFatal); sErr != nil {
		config.LogError(e.logger, "syncengine", "recordError", "persist sync error", externalID, sErr)
	}
}

// classify maps any error onto a gateway kind; errors that did not come from
// the remote side (database, lost claims) are transient.
func classify(err error) gateway.Kind {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return gateway.KindTransient
}

func errorCode(err error) string {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, claim.ErrClaimLost):
		return "claim_lost"
	case errors.Is(err, errContended):
		return "contended"
	case errors.Is(err, governor.ErrHalted):
		return "halted"
	case errors.As(err, &gwErr):
		return gwErr.Kind.String()
	default:
		return "sync_failed"
	}
}

func createSyncError(ctx context.Context, db *gorm.DB, runID uint, stream models.StreamID, entityType string, externalID string, code string, kind gateway.Kind, message string, payload []byte, retryable bool) error {
	row := models.SyncError{
		SyncRunId:   runID,
		StreamId:    stream,
		EntityType:  entityType,
		ExternalId:  externalID,
		ErrorCode:   code,
		ErrorKind:   kind.String(),
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error
}
