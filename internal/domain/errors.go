package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLockHeld          = errors.New("lock already held")
	ErrStaleWrite        = errors.New("stale write")
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// ErrorKind is the normalized classification of an on-chain failure.
type ErrorKind string

const (
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindSupplyCap           ErrorKind = "supply_cap"
	KindNetworkError        ErrorKind = "network_error"
	KindApprovalFailed      ErrorKind = "approval_failed"
	KindTransactionFailed   ErrorKind = "transaction_failed"
	KindUnknown             ErrorKind = "unknown"
)

// ChainError is the normalized failure produced at the chain boundary.
// Nothing above the chain adapter inspects raw RPC error values.
type ChainError struct {
	Kind      ErrorKind
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *ChainError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *ChainError) Unwrap() error { return e.Err }

// RateLimitError carries the window reset so callers can tell clients when
// to retry.
type RateLimitError struct {
	Identifier string
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited %s until %s", e.Identifier, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
