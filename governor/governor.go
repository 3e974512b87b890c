package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/gateway"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrHalted is wrapped in the rate-limited error returned for every call
// after the cycle hit a rate limit.
var ErrHalted = errors.New("governor halted: remote rate limit reached")

// ErrStopped is wrapped in the fatal error returned for every call after a
// fatal remote failure.
var ErrStopped = errors.New("governor stopped: fatal remote failure")

type State int

const (
	StateNormal State = iota
	StateBackoff
	StateHalted
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateBackoff:
		return "backoff"
	case StateHalted:
		return "halted"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Config struct {
	// RatePerMinute <= 0 disables throttling.
	RatePerMinute int
	CallTimeout   time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetries    int
}

func ConfigFromSettings(s config.EngineSettings) Config {
	return Config{
		RatePerMinute: s.RateLimitPerMin,
		CallTimeout:   s.CallTimeout,
		BaseDelay:     s.BackoffBase,
		MaxDelay:      s.BackoffMax,
		MaxRetries:    s.MaxRetries,
	}
}

// Governor wraps every remote call of one stream cycle. A fresh Governor is
// created per cycle; a Halted or Fatal governor never recovers.
type Governor struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *logrus.Logger

	// Sleep waits between transient retries; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	attempt    int
	retryAfter time.Duration
	lastErr    error
}

func New(cfg Config, logger *logrus.Logger) *Governor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		burst = cfg.RatePerMinute / 60
		if burst < 1 {
			burst = 1
		}
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Governor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		Sleep:   sleepContext,
	}
}

// Do runs fn under the throttle and the per-call timeout. Transient failures
// are retried up to MaxRetries times with capped exponential backoff; the last
// transient error is returned once retries are exhausted. NotFound passes
// through unchanged. RateLimited halts the governor and Fatal stops it.
func (g *Governor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	retries := 0
	for {
		if err := g.gate(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		err := g.call(ctx, op, fn)

		// The caller's own cancellation is not a remote failure.
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		switch gateway.KindOf(err) {
		case gateway.KindOK, gateway.KindNotFound:
			g.reset()
			return err
		case gateway.KindRateLimited:
			g.trip(StateHalted, err)
			g.logger.WithFields(logrus.Fields{
				"field":       "Governor",
				"op":          op,
				"retry_after": gateway.RetryAfterOf(err).String(),
			}).Warn("remote rate limit reached, halting stream for this cycle")
			return err
		case gateway.KindFatal:
			g.trip(StateFatal, err)
			return err
		}

		// Transient.
		if retries >= g.cfg.MaxRetries {
			g.mu.Lock()
			g.lastErr = err
			g.mu.Unlock()
			return err
		}
		retries++
		delay := g.backoff(err)
		g.logger.WithFields(logrus.Fields{
			"field":   "Governor",
			"op":      op,
			"attempt": retries,
			"delay":   delay.String(),
		}).Warn("transient remote failure, backing off: " + err.Error())
		if err := g.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// call runs fn with the per-call timeout and waits for it to return, so no
// attempt is still running when the next one starts. An error surfaced after
// the timeout fired is reported as transient unless fn already classified it.
func (g *Governor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			return err
		}
		return &gateway.Error{Kind: gateway.KindTransient, Op: op, Err: err}
	}
	return err
}

func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RetryAfter is the server hint carried by the rate limit that halted the governor.
func (g *Governor) RetryAfter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retryAfter
}

// Err is the error that halted or stopped the governor, or the last
// transient error surfaced after retries.
func (g *Governor) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

func (g *Governor) gate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateHalted:
		return &gateway.Error{Kind: gateway.KindRateLimited, Op: "governor", RetryAfter: g.retryAfter, Err: ErrHalted}
	case StateFatal:
		return &gateway.Error{Kind: gateway.KindFatal, Op: "governor", Err: ErrStopped}
	}
	return nil
}

func (g *Governor) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateBackoff {
		g.state = StateNormal
	}
	g.attempt = 0
}

func (g *Governor) trip(to State, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateFatal {
		return
	}
	g.state = to
	g.lastErr = err
	if to == StateHalted {
		g.retryAfter = gateway.RetryAfterOf(err)
	}
}

// backoff moves to Backoff(n+1) and returns base * 2^(n-1), capped.
func (g *Governor) backoff(err error) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateBackoff
	g.attempt++
	g.lastErr = err
	return Delay(g.cfg.BaseDelay, g.cfg.MaxDelay, g.attempt)
}

// Delay returns base * 2^(attempt-1) capped at max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
