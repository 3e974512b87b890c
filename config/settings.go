package config

import (
	"os"
	"strings"
	"time"
)

const (
	DuplicateLinePolicyReject    = "reject"
	DuplicateLinePolicyAggregate = "aggregate"
)

// EngineSettings tunes the sync engine. Every field has an env override:
//
//   - ORDER_SYNC_BATCH_SIZE             page size for changed-order fetches (default 100)
//   - ORDER_SYNC_MAX_PAGES              pages per cycle (default 20)
//   - ORDER_SYNC_CLAIM_TTL_SECONDS      claim lifetime (default 300)
//   - ORDER_API_TIMEOUT_SECONDS         per-call remote timeout (default 30)
//   - ORDER_API_RATE_LIMIT_PER_MIN      outbound call budget (default 60)
//   - ORDER_SYNC_BACKOFF_BASE_MS        first transient backoff (default 1000)
//   - ORDER_SYNC_BACKOFF_MAX_SECONDS    backoff cap (default 60)
//   - ORDER_SYNC_MAX_RETRIES            in-cycle transient retries (default 3)
//   - ORDER_SYNC_BACKFILL_LIMIT         ghost orders per pass (default 50)
//   - ORDER_SYNC_TRACKING_LIMIT         tracking states per pass (default 100)
//   - ORDER_SYNC_TRACKING_RECHECK_MIN   delay before re-polling a tracking number (default 360)
//   - ORDER_SYNC_DUPLICATE_LINE_POLICY  reject | aggregate (default reject)
//   - ORDER_SYNC_INITIAL_LOOKBACK_DAYS  first-run window when no watermark exists (default 30)
//   - ORDER_SYNC_LOT_CACHE_SECONDS      active-lot cache lifetime in redis (default 300)
type EngineSettings struct {
	BatchSize           int
	MaxPages            int
	ClaimTTL            time.Duration
	CallTimeout         time.Duration
	RateLimitPerMin     int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxRetries          int
	BackfillLimit       int
	TrackingLimit       int
	TrackingRecheck     time.Duration
	DuplicateLinePolicy string
	InitialLookback     time.Duration
	LotCacheTTL         time.Duration
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		BatchSize:           100,
		MaxPages:            20,
		ClaimTTL:            5 * time.Minute,
		CallTimeout:         30 * time.Second,
		RateLimitPerMin:     60,
		BackoffBase:         time.Second,
		BackoffMax:          time.Minute,
		MaxRetries:          3,
		BackfillLimit:       50,
		TrackingLimit:       100,
		TrackingRecheck:     6 * time.Hour,
		DuplicateLinePolicy: DuplicateLinePolicyReject,
		InitialLookback:     30 * 24 * time.Hour,
		LotCacheTTL:         5 * time.Minute,
	}
}

func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()
	if n := intFromEnv("ORDER_SYNC_BATCH_SIZE", 0); n > 0 {
		s.BatchSize = n
	}
	if n := intFromEnv("ORDER_SYNC_MAX_PAGES", 0); n > 0 {
		s.MaxPages = n
	}
	s.ClaimTTL = durationFromEnv("ORDER_SYNC_CLAIM_TTL_SECONDS", s.ClaimTTL, time.Second)
	s.CallTimeout = durationFromEnv("ORDER_API_TIMEOUT_SECONDS", s.CallTimeout, time.Second)
	if n := intFromEnv("ORDER_API_RATE_LIMIT_PER_MIN", 0); n > 0 {
		s.RateLimitPerMin = n
	}
	s.BackoffBase = durationFromEnv("ORDER_SYNC_BACKOFF_BASE_MS", s.BackoffBase, time.Millisecond)
	s.BackoffMax = durationFromEnv("ORDER_SYNC_BACKOFF_MAX_SECONDS", s.BackoffMax, time.Second)
	if n := intFromEnv("ORDER_SYNC_MAX_RETRIES", -1); n >= 0 {
		s.MaxRetries = n
	}
	if n := intFromEnv("ORDER_SYNC_BACKFILL_LIMIT", 0); n > 0 {
		s.BackfillLimit = n
	}
	if n := intFromEnv("ORDER_SYNC_TRACKING_LIMIT", 0); n > 0 {
		s.TrackingLimit = n
	}
	s.TrackingRecheck = durationFromEnv("ORDER_SYNC_TRACKING_RECHECK_MIN", s.TrackingRecheck, time.Minute)
	s.InitialLookback = durationFromEnv("ORDER_SYNC_INITIAL_LOOKBACK_DAYS", s.InitialLookback, 24*time.Hour)
	s.LotCacheTTL = durationFromEnv("ORDER_SYNC_LOT_CACHE_SECONDS", s.LotCacheTTL, time.Second)

	switch strings.ToLower(strings.TrimSpace(os.Getenv("ORDER_SYNC_DUPLICATE_LINE_POLICY"))) {
	case DuplicateLinePolicyAggregate:
		s.DuplicateLinePolicy = DuplicateLinePolicyAggregate
	default:
		s.DuplicateLinePolicy = DuplicateLinePolicyReject
	}
	return s
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// EnvBool is envBoolDefault for callers outside config.
func EnvBool(key string, def bool) bool {
	return envBoolDefault(key, def)
}
