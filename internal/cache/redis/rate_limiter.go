package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// Redis sorted set. Prune, count and add run atomically in one Lua script so
// concurrent invocations never over-admit. Nothing is cached in process.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
	now           func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
	}
}

func rateLimitKey(identifier, endpoint string) string {
	return "ratelimit:" + identifier + ":" + endpoint
}

// Allow records one attempt by identifier against endpoint and reports
// whether it fits within limit requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, identifier, endpoint string, limit int, window time.Duration) (domain.RateDecision, error) {
	now := rl.now().UnixMicro()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := rl.slidingWindow.Run(ctx, rl.rdb,
		[]string{rateLimitKey(identifier, endpoint)},
		now, window.Microseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s:%s: %w", identifier, endpoint, err)
	}
	if len(res) < 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s:%s: unexpected result length %d", identifier, endpoint, len(res))
	}

	remaining := int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateDecision{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMicro(res[2]),
	}, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
