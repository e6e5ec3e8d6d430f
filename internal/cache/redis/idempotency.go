package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard implements domain.IdempotencyGuard with SET NX markers at
// processed:{paymentId}. The claim is the only cross-invocation
// coordination for a payment; two concurrent deliveries race on one SET NX.
type IdempotencyGuard struct {
	rdb *redis.Client
}

// NewIdempotencyGuard creates an IdempotencyGuard backed by the given Client.
func NewIdempotencyGuard(c *Client) *IdempotencyGuard {
	return &IdempotencyGuard{rdb: c.Underlying()}
}

func processedKey(paymentID string) string {
	return "processed:" + paymentID
}

// Claim marks paymentID as taken for ttl. It returns false when another
// delivery already holds the claim.
func (g *IdempotencyGuard) Claim(ctx context.Context, paymentID string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, processedKey(paymentID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", paymentID, err)
	}
	return ok, nil
}

// Release drops the claim so a later delivery may re-attempt.
func (g *IdempotencyGuard) Release(ctx context.Context, paymentID string) error {
	if err := g.rdb.Del(ctx, processedKey(paymentID)).Err(); err != nil {
		return fmt.Errorf("redis: release claim %s: %w", paymentID, err)
	}
	return nil
}

// IsClaimed reports whether a claim currently exists for paymentID.
func (g *IdempotencyGuard) IsClaimed(ctx context.Context, paymentID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, processedKey(paymentID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim exists %s: %w", paymentID, err)
	}
	return n == 1, nil
}

var _ domain.IdempotencyGuard = (*IdempotencyGuard)(nil)
