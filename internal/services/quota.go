package services

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/loqui-backend/internal/config"
	"github.com/yungbote/loqui-backend/internal/platform/kv"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/observability"
)

// QuotaDecision is the outcome of one admission check. ResetAt is when the
// bucket would be full again (allowed) or when the next token arrives
// (rejected), so clients can schedule retries.
type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaExceededError carries the rejecting decision up to the HTTP layer,
// which needs ResetAt for the 429 body.
type QuotaExceededError struct {
	Decision *QuotaDecision
}

func (e *QuotaExceededError) Error() string { return "quota exhausted" }

// QuotaService is a per-organization token bucket over the KV store. The
// bucket state is a (tokens, last_refill_ms) pair; keys carry a TTL so
// inactive tenants cost nothing. Unreachable KV fails open: availability
// beats strict enforcement.
type QuotaService interface {
	// Debit consumes one token. Never returns an error; backend failures
	// degrade to an allowed decision.
	Debit(ctx context.Context, orgID uuid.UUID) *QuotaDecision
	// Peek runs the refill computation without consuming.
	Peek(ctx context.Context, orgID uuid.UUID) *QuotaDecision
}

type quotaService struct {
	log     *logger.Logger
	store   kv.Store
	metrics *observability.Metrics

	capacity     float64
	refillPerSec float64
	keyTTL       time.Duration

	now func() time.Time
}

func NewQuotaService(store kv.Store, cfg config.QuotaConfig, metrics *observability.Metrics, baseLog *logger.Logger) QuotaService {
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = 20
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 1
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 60 * time.Second
	}
	return &quotaService{
		log:          baseLog.With("service", "QuotaService"),
		store:        store,
		metrics:      metrics,
		capacity:     cfg.BucketCapacity,
		refillPerSec: cfg.RefillPerSecond,
		keyTTL:       cfg.KeyTTL,
		now:          time.Now,
	}
}

func quotaTokensKey(orgID uuid.UUID) string { return "ratelimit:" + orgID.String() + ":tokens" }
func quotaRefillKey(orgID uuid.UUID) string { return "ratelimit:" + orgID.String() + ":last_refill" }

func (s *quotaService) Debit(ctx context.Context, orgID uuid.UUID) *QuotaDecision {
	now := s.now()
	tokens, err := s.readBucket(ctx, orgID, now)
	if err != nil {
		return s.failOpen(orgID, now, err)
	}

	if tokens < 1 {
		s.metrics.IncQuotaDecision("rejected")
		return &QuotaDecision{
			Allowed:   false,
			Limit:     int(s.capacity),
			Remaining: 0,
			ResetAt:   now.Add(s.refillWait(1 - tokens)),
		}
	}

	left := tokens - 1
	if err := s.writeBucket(ctx, orgID, left, now); err != nil {
		return s.failOpen(orgID, now, err)
	}
	s.metrics.IncQuotaDecision("allowed")
	return &QuotaDecision{
		Allowed:   true,
		Limit:     int(s.capacity),
		Remaining: int(math.Floor(left)),
		ResetAt:   now.Add(s.refillWait(s.capacity - left)),
	}
}

func (s *quotaService) Peek(ctx context.Context, orgID uuid.UUID) *QuotaDecision {
	now := s.now()
	tokens, err := s.readBucket(ctx, orgID, now)
	if err != nil {
		return s.failOpen(orgID, now, err)
	}
	return &QuotaDecision{
		Allowed:   tokens >= 1,
		Limit:     int(s.capacity),
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now.Add(s.refillWait(s.capacity - tokens)),
	}
}

// readBucket loads the state pair in one round-trip and applies refill. A
// missing or unparsable pair reseeds from capacity, which is also how the
// pair's non-atomic write is tolerated.
func (s *quotaService) readBucket(ctx context.Context, orgID uuid.UUID, now time.Time) (float64, error) {
	vals, err := s.store.MGet(ctx, quotaTokensKey(orgID), quotaRefillKey(orgID))
	if err != nil {
		return 0, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return s.capacity, nil
	}
	tokens, errTokens := strconv.ParseFloat(*vals[0], 64)
	lastMs, errRefill := strconv.ParseInt(*vals[1], 10, 64)
	if errTokens != nil || errRefill != nil {
		s.log.Warn("Quota state unparsable, reseeding bucket", "org_id", orgID)
		return s.capacity, nil
	}

	elapsed := float64(now.UnixMilli()-lastMs) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed * s.refillPerSec
	if tokens > s.capacity {
		tokens = s.capacity
	}
	return tokens, nil
}

func (s *quotaService) writeBucket(ctx context.Context, orgID uuid.UUID, tokens float64, now time.Time) error {
	return s.store.SetAll(ctx, []kv.Entry{
		{Key: quotaTokensKey(orgID), Value: strconv.FormatFloat(tokens, 'f', -1, 64), TTL: s.keyTTL},
		{Key: quotaRefillKey(orgID), Value: strconv.FormatInt(now.UnixMilli(), 10), TTL: s.keyTTL},
	})
}

func (s *quotaService) failOpen(orgID uuid.UUID, now time.Time, err error) *QuotaDecision {
	s.log.Warn("Quota store unreachable, failing open", "org_id", orgID, "error", err)
	s.metrics.IncQuotaDecision("fail_open")
	return &QuotaDecision{
		Allowed:   true,
		Limit:     int(s.capacity),
		Remaining: int(s.capacity),
		ResetAt:   now.Add(s.refillWait(s.capacity)),
	}
}

// refillWait is how long the bucket needs to regain missing tokens.
func (s *quotaService) refillWait(missing float64) time.Duration {
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / s.refillPerSec * float64(time.Second))
}
