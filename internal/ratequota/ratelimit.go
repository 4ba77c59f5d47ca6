// Package ratequota enforces a short-window request rate check per
// (org, api key) followed by monthly quota accounting against usage
// counter rows. The two
// are enforced in sequence — a rate-limit rejection never consumes monthly
// quota.
package ratequota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/plexmcp/plexmcp/internal/domain"
)

// rateWindow is the short-window size for the distributed counter.
const rateWindow = time.Minute

// RatePerMinute returns the short-window request allowance for a tier.
func RatePerMinute(tier string) int {
	switch tier {
	case domain.TierFree:
		return 60
	case domain.TierPro:
		return 600
	case domain.TierTeam:
		return 3000
	case domain.TierEnterprise:
		return 12000
	default:
		return 60
	}
}

// RateLimiter enforces the short-window limit. The authoritative counter
// lives in Redis so the limit holds across API replicas; a per-process
// token bucket takes over when Redis is unavailable, degrading to
// per-replica enforcement instead of failing open entirely.
type RateLimiter struct {
	redis  *redis.Client
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter. rdb may be nil, in which case only
// the in-process bucket applies.
func NewRateLimiter(rdb *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  rdb,
		logger: logger,
		local:  make(map[string]*rate.Limiter),
	}
}

func bucketKey(orgID, apiKeyID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s:%s", orgID, apiKeyID)
}

// Allow reports whether one request may proceed under the tier's
// short-window allowance. A rejection does not consume monthly quota.
func (rl *RateLimiter) Allow(ctx context.Context, orgID, apiKeyID uuid.UUID, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return false, nil
	}

	key := bucketKey(orgID, apiKeyID)

	if rl.redis != nil {
		allowed, err := rl.allowRedis(ctx, key, perMinute)
		if err == nil {
			return allowed, nil
		}
		rl.logger.Warn("redis rate limit check failed, falling back to local bucket", "error", err)
	}

	return rl.allowLocal(key, perMinute), nil
}

// allowRedis is a fixed-window INCR/EXPIRE counter. The expiry is set only
// when the key has none, so the window runs from its first request (the
// login brute-force limiter instead refreshes its expiry on every failure).
func (rl *RateLimiter) allowRedis(ctx context.Context, key string, perMinute int) (bool, error) {
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("incrementing rate window: %w", err)
	}
	return incr.Val() <= int64(perMinute), nil
}

func (rl *RateLimiter) allowLocal(key string, perMinute int) bool {
	rl.mu.Lock()
	limiter, ok := rl.local[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		rl.local[key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
