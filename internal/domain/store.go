package domain

import (
	"context"
	"time"
)

// PositionStore persists Positions. Implementations never delete.
type PositionStore interface {
	// Create fails with ErrAlreadyExists when the payment already has a Position.
	Create(ctx context.Context, pos Position) error
	Get(ctx context.Context, id string) (Position, error)
	GetByPaymentID(ctx context.Context, paymentID string) (Position, error)
	// Update writes pos only if the stored status still equals expected.
	// A mismatch returns ErrStaleWrite; an illegal move ErrInvalidTransition.
	Update(ctx context.Context, pos Position, expected PositionStatus) error
	ListByStatus(ctx context.Context, status PositionStatus, limit int) ([]Position, error)
	ListByWallet(ctx context.Context, wallet string) ([]Position, error)
	ListByEmail(ctx context.Context, email string) ([]Position, error)
	// ListTerminalBetween returns terminal Positions last updated in [since, until).
	ListTerminalBetween(ctx context.Context, since, until time.Time) ([]Position, error)
}

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
