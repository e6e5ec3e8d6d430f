package domain

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// DepositRequest asks the chain adapter to place funds into one protocol.
type DepositRequest struct {
	Chain       string
	Protocol    string
	Asset       string
	Amount      decimal.Decimal
	Destination string
	PaymentID   string
}

// DepositResult reports a deposit outcome. Err is set iff Success is false.
type DepositResult struct {
	Success        bool
	TxHash         string
	ApprovalTxHash string
	Err            *ChainError
}

// TransferResult reports a native gas-token transfer. Broadcast is true once
// the signed transaction was accepted by the node, even if it later failed.
type TransferResult struct {
	Success   bool
	TxHash    string
	Broadcast bool
	Err       *ChainError
}

// TxState is the on-chain status of a broadcast transaction.
type TxState string

const (
	// TxPending means no receipt exists yet; the transaction may still be
	// mined or may have been dropped.
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
)

// ChainExecutor performs the on-chain actions of a Position.
type ChainExecutor interface {
	Deposit(ctx context.Context, req DepositRequest) DepositResult
	Transfer(ctx context.Context, to string, amountWei *big.Int) TransferResult
	TransactionState(ctx context.Context, txHash string) (TxState, error)
	HubAddress() string
}
