package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.ErrorKind
	}{
		{"execution reverted: 51", domain.KindSupplyCap},
		{"projected total 1000001 exceeds supply cap 1000000", domain.KindSupplyCap},
		{"execution reverted: ERC4626ExceededMaxDeposit", domain.KindSupplyCap},
		{"pool utilization too high", domain.KindSupplyCap},
		{"insufficient funds for gas * price + value", domain.KindInsufficientBalance},
		{"ERC20: transfer amount exceeds balance", domain.KindInsufficientBalance},
		{"approve tx 0xabc receipt status 0", domain.KindApprovalFailed},
		{"ERC20: insufficient allowance", domain.KindApprovalFailed},
		{"Post \"https://rpc\": dial tcp: connection refused", domain.KindNetworkError},
		{"context deadline exceeded", domain.KindNetworkError},
		{"429 Too Many Requests", domain.KindNetworkError},
		{"gas price 300 gwei exceeds ceiling 100 gwei", domain.KindNetworkError},
		{"execution reverted", domain.KindTransactionFailed},
		{"nonce too low", domain.KindTransactionFailed},
		{"something odd happened", domain.KindUnknown},
		{"", domain.KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(domain.ChainError{Message: tc.msg}), tc.msg)
	}
}

func TestClassifyTrustsExplicitKind(t *testing.T) {
	e := domain.ChainError{Kind: domain.KindSupplyCap, Message: "connection refused"}
	assert.Equal(t, domain.KindSupplyCap, Classify(e))

	e = domain.ChainError{Kind: domain.KindUnknown, Message: "connection refused"}
	assert.Equal(t, domain.KindNetworkError, Classify(e))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestFromError(t *testing.T) {
	assert.Equal(t, domain.ChainError{}, FromError(nil))

	ce := FromError(fmt.Errorf("receipt wait: %w", context.DeadlineExceeded))
	assert.Equal(t, domain.KindNetworkError, ce.Kind)
	assert.True(t, ce.Retryable)

	ce = FromError(timeoutErr{})
	assert.Equal(t, domain.KindNetworkError, ce.Kind)

	ce = FromError(errors.New("execution reverted"))
	assert.Equal(t, domain.KindTransactionFailed, ce.Kind)
	assert.False(t, ce.Retryable)

	wrapped := fmt.Errorf("deposit: %w", &domain.ChainError{Kind: domain.KindApprovalFailed, Op: "approve", Message: "status 0"})
	ce = FromError(wrapped)
	assert.Equal(t, domain.KindApprovalFailed, ce.Kind)
	assert.Equal(t, "approve", ce.Op)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(domain.KindNetworkError))
	for _, k := range []domain.ErrorKind{
		domain.KindSupplyCap, domain.KindInsufficientBalance, domain.KindApprovalFailed,
		domain.KindTransactionFailed, domain.KindUnknown,
	} {
		assert.False(t, Retryable(k), k)
	}
}
