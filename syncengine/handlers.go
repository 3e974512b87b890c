package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/mmdatafocus/ordersync/watermark"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PubSubPushEnvelope is the body of a Pub/Sub push delivery.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// CycleRunner runs one cycle; *Engine satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context, stream models.StreamID, triggeredBy string) (CycleReport, error)
}

const pushLockTTL = 5 * time.Minute

// PubSubPushHandler runs the cycle a push delivery asks for. Malformed
// deliveries and halted streams are acked; other failures return 500 so
// Pub/Sub redelivers.
func PubSubPushHandler(engine CycleRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		var env PubSubPushEnvelope

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "syncengine", "PubSubPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &env); err != nil {
			config.LogError(logger, "syncengine", "PubSubPushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var req config.CycleRequest
		if err := json.Unmarshal(env.Message.Data, &req); err != nil {
			config.LogError(logger, "syncengine", "PubSubPushHandler", "Unmarshal cycle request", string(env.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		stream, err := models.ParseStreamID(req.Stream)
		if err != nil {
			config.LogError(logger, "syncengine", "PubSubPushHandler", "Invalid cycle request", req, err)
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := req.CorrelationId
		if correlationID == "" {
			correlationID = env.Message.ID
		}
		fields := logrus.Fields{
			"field":          "PubSubPushHandler",
			"stream":         string(stream),
			"message_id":     env.Message.ID,
			"correlation_id": correlationID,
		}

		// The redis lock only saves a wasted cycle; the stream claim decides.
		lock := obtainStreamLock(c.Request.Context(), logger, stream, fields)
		defer func() {
			if lock == nil {
				return
			}
			if err := lock.Release(context.WithoutCancel(c.Request.Context())); err != nil {
				logger.WithFields(fields).Warn("failed to release redis lock: " + err.Error())
			}
		}()

		triggeredBy := req.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.TriggeredByPubSub
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
		report, err := engine.RunCycle(ctx, stream, triggeredBy)
		switch {
		case errors.Is(err, ErrStreamHalted):
			logger.WithFields(fields).Error("cycle refused: " + err.Error())
			c.Status(http.StatusNoContent)
		case err != nil:
			logger.WithFields(fields).Error("cycle failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
		default:
			fields["status"] = string(report.Status)
			logger.WithFields(fields).Debug("cycle request handled")
			c.Status(http.StatusNoContent)
		}
	}
}

func obtainStreamLock(ctx context.Context, logger *logrus.Logger, stream models.StreamID, fields logrus.Fields) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithFields(fields).Debug("redis lock not ready; proceeding without redis lock")
		return nil
	}
	lock, err := locker.Obtain(ctx, fmt.Sprintf("lock:order-sync:%s", stream), pushLockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
		return nil
	}
	if err != nil {
		logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

type StreamStatus struct {
	Stream     models.StreamID `json:"stream"`
	Watermark  *time.Time      `json:"watermark"`
	HaltedAt   *time.Time      `json:"halted_at"`
	HaltReason string          `json:"halt_reason,omitempty"`
}

type StatusResponse struct {
	Streams    []StreamStatus   `json:"streams"`
	RecentRuns []models.SyncRun `json:"recent_runs"`
	OpenAlerts map[string]int64 `json:"open_alerts"`
}

// StatusHandler serves watermarks, halts, recent runs and open alert counts.
// It never writes.
func StatusHandler(db *gorm.DB) gin.HandlerFunc {
	store := watermark.NewStore(db)
	return func(c *gin.Context) {
		resp, err := loadStatus(c.Request.Context(), db, store, 20)
		if err != nil {
			config.LogError(config.GetLogger(), "syncengine", "StatusHandler", "load status", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func loadStatus(ctx context.Context, db *gorm.DB, store *watermark.Store, runLimit int) (StatusResponse, error) {
	resp := StatusResponse{OpenAlerts: map[string]int64{}}

	stored, err := store.List(ctx)
	if err != nil {
		return resp, err
	}
	byStream := make(map[models.StreamID]watermark.Watermark, len(stored))
	for _, wm := range stored {
		byStream[wm.Stream] = wm
	}
	for _, stream := range models.AllStreams() {
		st := StreamStatus{Stream: stream}
		if wm, ok := byStream[stream]; ok {
			if !wm.Position.IsZero() {
				pos := wm.Position
				st.Watermark = &pos
			}
			st.HaltedAt = wm.HaltedAt
			st.HaltReason = wm.HaltReason
		}
		resp.Streams = append(resp.Streams, st)
	}

	if err := db.WithContext(ctx).Order("id DESC").Limit(runLimit).Find(&resp.RecentRuns).Error; err != nil {
		return resp, err
	}

	var counts []struct {
		AlertType string
		Total     int64
	}
	if err := db.WithContext(ctx).Model(&models.SyncAlert{}).
		Select("alert_type, COUNT(*) AS total").
		Where("resolved_at IS NULL").
		Group("alert_type").
		Scan(&counts).Error; err != nil {
		return resp, err
	}
	for _, row := range counts {
		resp.OpenAlerts[row.AlertType] = row.Total
	}
	return resp, nil
}

func HealthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// PublishCycleRequest asks whichever worker receives the push to run stream.
func PublishCycleRequest(ctx context.Context, stream models.StreamID, triggeredBy string) (string, error) {
	if _, err := models.ParseStreamID(string(stream)); err != nil {
		return "", err
	}
	correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
	return config.PublishCycleRequest(ctx, config.CycleRequest{
		Stream:        string(stream),
		TriggeredBy:   triggeredBy,
		CorrelationId: correlationID,
		RequestedAt:   time.Now().UTC(),
	})
}
