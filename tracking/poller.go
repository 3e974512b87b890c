package tracking

import (
	"context"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Fetcher interface {
	FetchTracking(ctx context.Context, carrierCode string, trackingNumber string) (*gateway.TrackingInfo, error)
}

type Caller interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

type PollReport struct {
	Checked   int
	Changed   int
	Delivered int
	NotFound  int
	Errors    int
	Fatal     int
	// Aborted is set when a rate limit or fatal failure ended the pass.
	Aborted  bool
	AbortErr error
}

// Poller refreshes carrier status of shipped orders until they are delivered.
type Poller struct {
	db      *gorm.DB
	remote  Fetcher
	gov     Caller
	logger  *logrus.Logger
	recheck time.Duration
	Now     func() time.Time
}

func New(db *gorm.DB, remote Fetcher, gov Caller, logger *logrus.Logger, recheck time.Duration) *Poller {
	if logger == nil {
		logger = config.GetLogger()
	}
	if recheck <= 0 {
		recheck = 6 * time.Hour
	}
	return &Poller{
		db:      db,
		remote:  remote,
		gov:     gov,
		logger:  logger,
		recheck: recheck,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Candidates returns non-terminal states due at now, least recently checked first.
func (p *Poller) Candidates(ctx context.Context, now time.Time, limit int) ([]models.TrackingState, error) {
	var states []models.TrackingState
	q := p.db.WithContext(ctx).
		Where("is_terminal = ? AND next_check_at <= ?", false, now).
		Order("next_check_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

func (p *Poller) Poll(ctx context.Context, states []models.TrackingState) PollReport {
	var rep PollReport
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			rep.Aborted = true
			rep.AbortErr = err
			break
		}

		var info *gateway.TrackingInfo
		err := p.gov.Do(ctx, "fetch_tracking", func(ctx context.Context) error {
			var err error
			info, err = p.remote.FetchTracking(ctx, st.CarrierCode, st.TrackingNumber)
			return err
		})

		switch gateway.KindOf(err) {
		case gateway.KindOK:
			changed, delivered, err := p.apply(ctx, st, info)
			if err != nil {
				rep.Errors++
				config.LogError(p.logger, "tracking", "Poll", "apply tracking status", st.RemoteOrderId, err)
				continue
			}
			rep.Checked++
			if changed {
				rep.Changed++
			}
			if delivered {
				rep.Delivered++
			}
		case gateway.KindNotFound:
			rep.NotFound++
			if err := p.notFound(ctx, st); err != nil {
				rep.Errors++
				config.LogError(p.logger, "tracking", "Poll", "record not found", st.RemoteOrderId, err)
			}
		case gateway.KindRateLimited:
			rep.Errors++
			rep.Aborted = true
			rep.AbortErr = err
		case gateway.KindFatal:
			rep.Fatal++
			rep.Aborted = true
			rep.AbortErr = err
		default:
			rep.Errors++
			config.LogError(p.logger, "tracking", "Poll", "fetch tracking", st.RemoteOrderId, err)
		}
		if rep.Aborted {
			p.logger.WithFields(logrus.Fields{
				"field":     "TrackingPoller",
				"remote_id": st.RemoteOrderId,
			}).Warn("tracking pass aborted: " + err.Error())
			break
		}
	}
	return rep
}

// apply stores a fetched status. Terminal rows are never touched again.
func (p *Poller) apply(ctx context.Context, st models.TrackingState, info *gateway.TrackingInfo) (bool, bool, error) {
	now := p.Now()
	code := models.ParseTrackingCode(info.StatusCode)
	updates := map[string]interface{}{
		"description":      info.Description,
		"last_checked_at":  now,
		"next_check_at":    now.Add(p.recheck),
		"check_fail_count": 0,
	}
	changed := code != st.StatusCode
	if changed {
		updates["status_code"] = code
		updates["last_changed_at"] = now
	}
	if code.IsTerminal() {
		updates["is_terminal"] = true
	}
	if err := p.db.WithContext(ctx).Model(&models.TrackingState{}).
		Where("id = ? AND is_terminal = ?", st.ID, false).
		Updates(updates).Error; err != nil {
		return false, false, err
	}
	if changed {
		p.logger.WithFields(logrus.Fields{
			"field":     "TrackingPoller",
			"remote_id": st.RemoteOrderId,
			"from":      string(st.StatusCode),
			"to":        string(code),
		}).Info("tracking status changed")
	}
	return changed, code.IsTerminal(), nil
}

func (p *Poller) notFound(ctx context.Context, st models.TrackingState) error {
	now := p.Now()
	return p.db.WithContext(ctx).Model(&models.TrackingState{}).
		Where("id = ? AND is_terminal = ?", st.ID, false).
		Updates(map[string]interface{}{
			"check_fail_count": gorm.Expr("check_fail_count + 1"),
			"last_checked_at":  now,
			"next_check_at":    now.Add(p.recheck),
		}).Error
}
