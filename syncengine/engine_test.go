package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/ordersync/anomaly"
	"github.com/mmdatafocus/ordersync/claim"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/governor"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	remote *testutil.FakeRemote
	clock  *testutil.Clock
	engine *Engine
}

func newFixture(t *testing.T, tune func(*config.EngineSettings)) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	remote := testutil.NewFakeRemote()
	settings := config.DefaultEngineSettings()
	settings.BatchSize = 2
	settings.MaxRetries = 0
	settings.RateLimitPerMin = 0
	settings.ClaimTTL = time.Minute
	settings.InitialLookback = 24 * time.Hour
	if tune != nil {
		tune(&settings)
	}

	logger := testutil.QuietLogger()
	e := New(db, remote, settings, logger)
	e.lots = anomaly.NewDBLotRegistry(db)
	clock := testutil.NewClock(t0)
	e.SetClock(clock.Now)
	e.NewGovernor = func() *governor.Governor {
		g := governor.New(governor.ConfigFromSettings(settings), logger)
		g.Sleep = func(context.Context, time.Duration) error { return nil }
		return g
	}
	return &fixture{db: db, remote: remote, clock: clock, engine: e}
}

func (f *fixture) run(t *testing.T, stream models.StreamID) CycleReport {
	t.Helper()
	rep, err := f.engine.RunCycle(context.Background(), stream, models.TriggeredByCLI)
	require.NoError(t, err)
	return rep
}

func (f *fixture) watermark(t *testing.T, stream models.StreamID) time.Time {
	t.Helper()
	wm, err := f.engine.Watermarks().Read(context.Background(), stream)
	require.NoError(t, err)
	return wm.Position
}

func (f *fixture) lastRun(t *testing.T) models.SyncRun {
	t.Helper()
	var run models.SyncRun
	require.NoError(t, f.db.Order("id DESC").Take(&run).Error)
	return run
}

func TestOrderStatusCycleMergesAndAdvances(t *testing.T) {
	f := newFixture(t, nil)
	shipped := testutil.RemoteOrderAt("r3", "#1001", "shipped", t0.Add(-30*time.Minute), testutil.Item("SKU-3", "L3", 1))
	shipped.TrackingNumber = "1Z999"
	f.remote.Put(
		testutil.RemoteOrderAt("r1", "#1000", "awaiting_shipment", t0.Add(-2*time.Hour), testutil.Item("SKU-1", "L1", 2)),
		testutil.RemoteOrderAt("r2", "#1002", "on_hold", t0.Add(-time.Hour), testutil.Item("SKU-2", "", 1)),
		shipped,
	)

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 3, rep.Fetched)
	assert.Equal(t, 2, rep.Merged)
	assert.Equal(t, 1, rep.Archived)
	assert.Zero(t, rep.Errors)
	assert.True(t, rep.WatermarkBefore.IsZero())
	assert.True(t, rep.WatermarkAfter.Equal(t0.Add(-30*time.Minute)))
	assert.True(t, f.watermark(t, models.StreamOrderStatus).Equal(t0.Add(-30*time.Minute)))

	require.Len(t, f.remote.ChangedCalls, 2)
	assert.True(t, f.remote.ChangedCalls[0].Since.Equal(t0.Add(-24*time.Hour)))
	assert.Equal(t, "2", f.remote.ChangedCalls[1].PageToken)

	assert.EqualValues(t, 2, testutil.CountRows(t, f.db, &models.Order{}, ""))
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.OrderHistory{}, "remote_id = ?", "r3"))
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.TrackingState{}, "remote_order_id = ?", "r3"))
	assert.EqualValues(t, 0, testutil.CountRows(t, f.db, &models.SyncClaim{}, ""))

	run := f.lastRun(t)
	assert.Equal(t, models.RunStatusOK, run.Status)
	assert.Equal(t, 3, run.RecordsFetched)
	assert.Equal(t, 3, run.RecordsMerged)
	require.NotNil(t, run.FinishedAt)
	var stats CycleReport
	require.NoError(t, json.Unmarshal(run.StatsJSON, &stats))
	assert.Equal(t, rep.RunID, stats.RunID)
}

func TestOrderStatusSecondCycleChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put(testutil.RemoteOrderAt("r1", "#1000", "awaiting_shipment", t0.Add(-time.Hour), testutil.Item("SKU-1", "L1", 2)))
	f.run(t, models.StreamOrderStatus)

	f.clock.Advance(10 * time.Minute)
	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 1, rep.Fetched)
	assert.Zero(t, rep.Merged)
	assert.Equal(t, 1, rep.Skipped)
	assert.True(t, rep.WatermarkAfter.Equal(t0.Add(-time.Hour)))
}

func TestOrderStatusReplayFromOlderWatermarkIsEquivalent(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put(
		testutil.RemoteOrderAt("r1", "#1000", "awaiting_shipment", t0.Add(-3*time.Hour), testutil.Item("SKU-1", "L1", 2)),
		testutil.RemoteOrderAt("r2", "#1002", "on_hold", t0.Add(-2*time.Hour), testutil.Item("SKU-2", "", 1)),
		testutil.RemoteOrderAt("r3", "#1003", "awaiting_payment", t0.Add(-time.Hour), testutil.Item("SKU-3", "", 4)),
	)
	f.run(t, models.StreamOrderStatus)

	snapshot := func() []models.Order {
		var orders []models.Order
		require.NoError(t, f.db.Preload("Items").Order("id ASC").Find(&orders).Error)
		return orders
	}
	before := snapshot()

	require.NoError(t, f.db.Model(&models.SyncWatermark{}).
		Where("stream_id = ?", models.StreamOrderStatus).
		Update("last_position", t0.Add(-48*time.Hour)).Error)
	f.clock.Advance(time.Minute)

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, 3, rep.Fetched)
	assert.Equal(t, 3, rep.Skipped)
	assert.Equal(t, before, snapshot())
}

func TestOrderStatusFatalHaltsStream(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put(testutil.RemoteOrderAt("r1", "#1000", "awaiting_shipment", t0.Add(-time.Hour)))
	f.remote.ChangedErr = func(q gateway.ChangedQuery, call int) error {
		if call == 1 {
			return testutil.Fatal()
		}
		return nil
	}

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusFailed, rep.Status)
	assert.Equal(t, 1, rep.Fatal)
	assert.Equal(t, 1, ExitCode(rep.Status))

	wm, err := f.engine.Watermarks().Read(context.Background(), models.StreamOrderStatus)
	require.NoError(t, err)
	assert.True(t, wm.Halted())
	assert.True(t, wm.Position.IsZero())
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.SyncError{}, "error_kind = ?", "fatal"))

	rep, err = f.engine.RunCycle(context.Background(), models.StreamOrderStatus, models.TriggeredByCLI)
	assert.True(t, errors.Is(err, ErrStreamHalted))
	assert.Equal(t, models.RunStatusFailed, rep.Status)
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.SyncRun{}, ""))
	assert.Len(t, f.remote.ChangedCalls, 1)

	require.NoError(t, f.engine.Watermarks().Resume(context.Background(), models.StreamOrderStatus))
	rep = f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 1, rep.Merged)
}

func TestOrderStatusTransientPageWithholdsCursor(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put(
		testutil.RemoteOrderAt("r1", "#1", "awaiting_shipment", t0.Add(-4*time.Hour), testutil.Item("SKU-1", "", 1)),
		testutil.RemoteOrderAt("r2", "#2", "awaiting_shipment", t0.Add(-3*time.Hour), testutil.Item("SKU-1", "", 1)),
		testutil.RemoteOrderAt("r3", "#3", "awaiting_shipment", t0.Add(-2*time.Hour), testutil.Item("SKU-1", "", 1)),
		testutil.RemoteOrderAt("r4", "#4", "awaiting_shipment", t0.Add(-time.Hour), testutil.Item("SKU-1", "", 1)),
	)
	f.remote.ChangedErr = func(q gateway.ChangedQuery, call int) error {
		if call == 2 {
			return testutil.Transient()
		}
		return nil
	}

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusPartial, rep.Status)
	assert.Equal(t, 2, ExitCode(rep.Status))
	assert.Equal(t, 2, rep.Merged)
	assert.Equal(t, 1, rep.Errors)
	assert.Zero(t, rep.Fatal)
	assert.True(t, f.watermark(t, models.StreamOrderStatus).Equal(t0.Add(-3*time.Hour)))

	wm, err := f.engine.Watermarks().Read(context.Background(), models.StreamOrderStatus)
	require.NoError(t, err)
	assert.False(t, wm.Halted())

	f.remote.ChangedErr = nil
	f.clock.Advance(time.Minute)
	rep = f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 2, rep.Merged)
	assert.True(t, f.watermark(t, models.StreamOrderStatus).Equal(t0.Add(-time.Hour)))
}

func TestOrderStatusContendedOrderIsRetriedNextCycle(t *testing.T) {
	f := newFixture(t, func(s *config.EngineSettings) { s.BatchSize = 10 })
	f.remote.Put(
		testutil.RemoteOrderAt("r1", "#1", "awaiting_shipment", t0.Add(-2*time.Hour), testutil.Item("SKU-1", "", 1)),
		testutil.RemoteOrderAt("r2", "#2", "awaiting_shipment", t0.Add(-time.Hour), testutil.Item("SKU-1", "", 1)),
	)
	ok, err := claim.NewManager(f.db).TryClaim(context.Background(), claim.OrderKey("r1"), "other-run", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusPartial, rep.Status)
	assert.Equal(t, 1, rep.Contended)
	assert.Equal(t, 1, rep.Merged)
	assert.True(t, f.watermark(t, models.StreamOrderStatus).Equal(t0.Add(-24*time.Hour)))
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.SyncError{}, "external_id = ? AND error_code = ?", "r1", "contended"))
	assert.EqualValues(t, 0, testutil.CountRows(t, f.db, &models.Order{}, "remote_id = ?", "r1"))
}

func TestRunCycleSkippedWhenStreamClaimed(t *testing.T) {
	f := newFixture(t, nil)
	ok, err := claim.NewManager(f.db).TryClaim(context.Background(), claim.StreamKey(models.StreamOrderStatus), "other-run", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusSkipped, rep.Status)
	assert.Zero(t, ExitCode(rep.Status))
	assert.Empty(t, f.remote.ChangedCalls)
	assert.EqualValues(t, 0, testutil.CountRows(t, f.db, &models.SyncRun{}, ""))
}

func TestOrderStatusCycleBackfillsGhostOrders(t *testing.T) {
	f := newFixture(t, nil)
	ghost := testutil.SeedOrder(t, f.db, models.Order{RemoteId: "g1", OrderNumber: "#g1", RemoteModifiedAt: t0.Add(-72 * time.Hour)})
	f.remote.Put(testutil.RemoteOrderAt("g1", "#g1", "awaiting_shipment", t0.Add(-72*time.Hour), testutil.Item("SKU-7", "L7", 5)))

	rep := f.run(t, models.StreamOrderStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, 1, rep.Backfilled)
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.OrderItem{}, "order_id = ?", ghost.ID))
}

func TestBackfillCycleRateLimitIsPartial(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"g1", "g2", "g3"} {
		testutil.SeedOrder(t, f.db, models.Order{RemoteId: id, OrderNumber: "#" + id})
		f.remote.Put(testutil.RemoteOrderAt(id, "#"+id, "awaiting_shipment", t0.Add(-time.Hour), testutil.Item("SKU-1", "", 1)))
	}
	f.remote.DetailErr = func(remoteID string, call int) error {
		if call == 2 {
			return testutil.RateLimited(30 * time.Second)
		}
		return nil
	}

	rep := f.run(t, models.StreamBackfill)
	assert.Equal(t, models.RunStatusPartial, rep.Status)
	assert.Equal(t, 1, rep.Backfilled)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 2, f.remote.DetailCallCount())
	assert.EqualValues(t, 1, testutil.CountRows(t, f.db, &models.SyncError{}, "error_kind = ?", "rate_limited"))
	assert.True(t, f.watermark(t, models.StreamBackfill).Equal(t0))

	wm, err := f.engine.Watermarks().Read(context.Background(), models.StreamBackfill)
	require.NoError(t, err)
	assert.False(t, wm.Halted())
}

func TestTrackingCycleStopsOnDelivered(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.db.Create(&models.TrackingState{
		RemoteOrderId:  "r1",
		TrackingNumber: "1Z1",
		StatusCode:     models.TrackingCodeInTransit,
		NextCheckAt:    t0.Add(-time.Minute),
	}).Error)
	f.remote.PutTracking(gateway.TrackingInfo{TrackingNumber: "1Z1", StatusCode: "delivered"})

	rep := f.run(t, models.StreamTrackingStatus)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 1, rep.TrackingChecked)
	assert.Equal(t, 1, rep.Delivered)
	assert.True(t, f.watermark(t, models.StreamTrackingStatus).Equal(t0))

	f.clock.Advance(7 * 24 * time.Hour)
	rep = f.run(t, models.StreamTrackingStatus)
	assert.Zero(t, rep.TrackingChecked)
	assert.Len(t, f.remote.TrackingCalls, 1)
}

func TestAnomaliesCycleFlagsDuplicateNumbers(t *testing.T) {
	f := newFixture(t, nil)
	testutil.SeedOrder(t, f.db, models.Order{RemoteId: "a", OrderNumber: "#2000", Items: []models.OrderItem{{ProductId: "SKU-1", Quantity: testutil.Qty(1)}}})
	testutil.SeedOrder(t, f.db, models.Order{RemoteId: "b", OrderNumber: "#2000", Items: []models.OrderItem{{ProductId: "SKU-1", Quantity: testutil.Qty(1)}}})

	rep := f.run(t, models.StreamAnomalies)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Equal(t, 1, rep.Flagged)
	alerts := testutil.OpenAlerts(t, f.db, models.AlertTypeDuplicateOrder)
	require.Len(t, alerts, 1)
	assert.Equal(t, "#2000", alerts[0].SubjectKey)

	rep = f.run(t, models.StreamAnomalies)
	assert.Equal(t, models.RunStatusOK, rep.Status)
	assert.Zero(t, rep.Flagged, "an already open alert is refreshed, not flagged again")
	assert.Len(t, testutil.OpenAlerts(t, f.db, models.AlertTypeDuplicateOrder), 1)
}

func TestDecideStatus(t *testing.T) {
	tests := []struct {
		name      string
		report    CycleReport
		successes int
		want      models.RunStatus
	}{
		{"clean", CycleReport{}, 3, models.RunStatusOK},
		{"nothing to do", CycleReport{}, 0, models.RunStatusOK},
		{"errors with successes", CycleReport{Errors: 1}, 2, models.RunStatusPartial},
		{"errors only", CycleReport{Errors: 2}, 0, models.RunStatusFailed},
		{"fatal", CycleReport{Fatal: 1}, 5, models.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideStatus(tt.report, tt.successes))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(models.RunStatusOK))
	assert.Equal(t, 0, ExitCode(models.RunStatusSkipped))
	assert.Equal(t, 2, ExitCode(models.RunStatusPartial))
	assert.Equal(t, 1, ExitCode(models.RunStatusFailed))
	assert.Equal(t, 1, ExitCode(models.RunStatusRunning))
}
