// Package classify maps normalized chain failures onto the closed error
// taxonomy used for Position status and refund eligibility.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// rule matches any of its lowercase patterns against the error message.
type rule struct {
	kind     domain.ErrorKind
	patterns []string
}

// rules are evaluated in order; the first hit wins. Cap patterns come first
// because lending revert strings often also mention balances.
var rules = []rule{
	{domain.KindSupplyCap, []string{
		"supply cap", "supply_cap", "supplycap", "cap exceeded", "exceeds cap",
		"exceeds supply cap", "utilization", "erc4626exceededmaxdeposit",
		"exceeds max deposit", "maxdeposit", "execution reverted: 51",
	}},
	{domain.KindInsufficientBalance, []string{
		"insufficient funds", "insufficient balance", "transfer amount exceeds balance",
		"exceeds balance", "insufficient hub",
	}},
	{domain.KindApprovalFailed, []string{
		"approval", "approve", "insufficient allowance", "allowance",
	}},
	{domain.KindNetworkError, []string{
		"timeout", "timed out", "deadline exceeded", "connection refused",
		"connection reset", "no such host", "broken pipe", "eof",
		"too many requests", "bad gateway", "service unavailable", "gateway timeout",
		"gas price", "network", "rpc unavailable",
	}},
	{domain.KindTransactionFailed, []string{
		"execution reverted", "reverted", "out of gas", "nonce too low",
		"replacement transaction underpriced", "underpriced",
		"transaction failed", "receipt status 0", "invalid opcode",
	}},
}

// Classify returns the ErrorKind of e. An explicit kind set by the chain
// adapter is trusted; otherwise the message is matched against the pattern
// table. Anything unmatched is KindUnknown.
func Classify(e domain.ChainError) domain.ErrorKind {
	if e.Kind != "" && e.Kind != domain.KindUnknown {
		return e.Kind
	}
	return match(e.Message)
}

// FromError normalizes an arbitrary error into a ChainError with its kind
// resolved. A nil error yields the zero value.
func FromError(err error) domain.ChainError {
	if err == nil {
		return domain.ChainError{}
	}

	var ce *domain.ChainError
	if errors.As(err, &ce) {
		out := *ce
		out.Kind = Classify(out)
		out.Retryable = out.Retryable || Retryable(out.Kind)
		return out
	}

	out := domain.ChainError{Message: err.Error(), Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		out.Kind = domain.KindNetworkError
	case errors.As(err, &netErr):
		out.Kind = domain.KindNetworkError
	default:
		out.Kind = match(out.Message)
	}
	out.Retryable = Retryable(out.Kind)
	return out
}

// Retryable reports whether a failure of kind may succeed on re-delivery.
func Retryable(kind domain.ErrorKind) bool {
	return kind == domain.KindNetworkError
}

func match(msg string) domain.ErrorKind {
	msg = strings.ToLower(msg)
	if msg == "" {
		return domain.KindUnknown
	}
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return r.kind
			}
		}
	}
	return domain.KindUnknown
}
