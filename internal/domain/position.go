package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a deposit Position.
type PositionStatus string

const (
	StatusPending          PositionStatus = "pending"
	StatusAvaxSent         PositionStatus = "avax_sent"
	StatusExecuting        PositionStatus = "executing"
	StatusActive           PositionStatus = "active"
	StatusSupplyFailed     PositionStatus = "supply_failed"
	StatusGasSentCapFailed PositionStatus = "gas_sent_cap_failed"
	StatusFailed           PositionStatus = "failed"
	StatusClosed           PositionStatus = "closed"
)

// AllStatuses lists every PositionStatus in lifecycle order.
var AllStatuses = []PositionStatus{
	StatusPending, StatusAvaxSent, StatusExecuting, StatusActive,
	StatusSupplyFailed, StatusGasSentCapFailed, StatusFailed, StatusClosed,
}

// IsTerminal reports whether no further automatic transition happens from s.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case StatusActive, StatusSupplyFailed, StatusGasSentCapFailed, StatusFailed, StatusClosed:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the failed terminal states.
func (s PositionStatus) IsFailure() bool {
	return s == StatusSupplyFailed || s == StatusGasSentCapFailed || s == StatusFailed
}

// InFlight reports whether an execution is (or was last seen) running.
func (s PositionStatus) InFlight() bool {
	return s == StatusPending || s == StatusAvaxSent || s == StatusExecuting
}

// StrategyType names a configured allocation across protocols.
type StrategyType string

const (
	StrategyConservative StrategyType = "conservative"
	StrategyBalanced     StrategyType = "balanced"
	StrategyAggressive   StrategyType = "aggressive"
)

// LegStatus tracks a single protocol deposit within a Position.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
	LegSkipped   LegStatus = "skipped"
)

// ProtocolLeg is the per-protocol slice of a Position.
type ProtocolLeg struct {
	Protocol  string          `json:"protocol"`
	Amount    decimal.Decimal `json:"amount"`
	TxHash    string          `json:"txHash,omitempty"`
	Status    LegStatus       `json:"status"`
	Error     string          `json:"error,omitempty"`
	ErrorType ErrorKind       `json:"errorType,omitempty"`
}

// Position is the persistent record of one paid deposit.
type Position struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"paymentId"`
	WalletAddress string          `json:"walletAddress"`
	UserEmail     string          `json:"userEmail,omitempty"`
	StrategyType  StrategyType    `json:"strategyType"`
	USDCAmount    decimal.Decimal `json:"usdcAmount"`
	Legs          []ProtocolLeg   `json:"legs"`

	AvaxTxHash   string `json:"avaxTxHash,omitempty"`
	AvaxError    string `json:"avaxError,omitempty"`
	GasAmountWei string `json:"gasAmountWei,omitempty"`

	Status    PositionStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	ErrorType ErrorKind      `json:"errorType,omitempty"`
	Attempts  int            `json:"attempts"`

	RefundTxHash string     `json:"refundTxHash,omitempty"`
	RefundedAt   *time.Time `json:"refundedAt,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// FundingSent reports whether the gas-token funding transfer was confirmed.
func (p Position) FundingSent() bool {
	return p.AvaxTxHash != ""
}

// Refunded reports whether the gas refund for p has been recorded.
func (p Position) Refunded() bool {
	return p.RefundTxHash != ""
}

// LegTotal sums the allocated amounts of every leg.
func (p Position) LegTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Legs {
		total = total.Add(l.Amount)
	}
	return total
}

// Clone returns a copy of p that shares no mutable state with it.
func (p Position) Clone() Position {
	out := p
	if p.Legs != nil {
		out.Legs = make([]ProtocolLeg, len(p.Legs))
		copy(out.Legs, p.Legs)
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		out.RefundedAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		out.ExecutedAt = &t
	}
	return out
}
