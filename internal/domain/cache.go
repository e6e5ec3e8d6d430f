package domain

import (
	"context"
	"time"
)

// IdempotencyGuard claims a payment id so at most one delivery executes it.
type IdempotencyGuard interface {
	Claim(ctx context.Context, paymentID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, paymentID string) error
	IsClaimed(ctx context.Context, paymentID string) (bool, error)
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter provides distributed sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, identifier, endpoint string, limit int, window time.Duration) (RateDecision, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RefundMarker guards each refund so it is issued at most once.
type RefundMarker interface {
	// Claim sets the marker for positionID if absent.
	Claim(ctx context.Context, positionID string, ttl time.Duration) (bool, error)
	// Record stores the refund tx hash on an existing marker.
	Record(ctx context.Context, positionID, txHash string) error
	// Lookup returns the marker value, or ErrNotFound.
	Lookup(ctx context.Context, positionID string) (string, error)
	Release(ctx context.Context, positionID string) error
}

// SignalBus provides pub/sub fan-out of position events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
