package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/redis/go-redis/v9"
)

// refundPending is the marker value before a refund tx hash is known.
const refundPending = "pending"

// RefundMarker implements domain.RefundMarker at refund:{positionId}. It is
// deliberately separate from the processed:{paymentId} claim because a
// refund is its own compensating action with its own at-most-once rule.
type RefundMarker struct {
	rdb *redis.Client
}

// NewRefundMarker creates a RefundMarker backed by the given Client.
func NewRefundMarker(c *Client) *RefundMarker {
	return &RefundMarker{rdb: c.Underlying()}
}

func refundKey(positionID string) string {
	return "refund:" + positionID
}

// Claim sets the marker if absent.
func (m *RefundMarker) Claim(ctx context.Context, positionID string, ttl time.Duration) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, refundKey(positionID), refundPending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim refund %s: %w", positionID, err)
	}
	return ok, nil
}

// Record stores txHash on an existing marker, keeping its TTL.
func (m *RefundMarker) Record(ctx context.Context, positionID, txHash string) error {
	err := m.rdb.SetArgs(ctx, refundKey(positionID), txHash, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: record refund %s: %w", positionID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis: record refund %s: %w", positionID, err)
	}
	return nil
}

// Lookup returns the marker value: "pending" or the refund tx hash.
func (m *RefundMarker) Lookup(ctx context.Context, positionID string) (string, error) {
	v, err := m.rdb.Get(ctx, refundKey(positionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: lookup refund %s: %w", positionID, err)
	}
	return v, nil
}

// Release removes the marker.
func (m *RefundMarker) Release(ctx context.Context, positionID string) error {
	if err := m.rdb.Del(ctx, refundKey(positionID)).Err(); err != nil {
		return fmt.Errorf("redis: release refund %s: %w", positionID, err)
	}
	return nil
}

var _ domain.RefundMarker = (*RefundMarker)(nil)
