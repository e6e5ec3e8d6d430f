package domain

import "github.com/shopspring/decimal"

// PaymentEvent is the subset of a processor webhook the pipeline reads.
type PaymentEvent struct {
	EventID   string
	Type      string
	PaymentID string
	Status    string
	Note      string
	Amount    decimal.Decimal
	Currency  string
}

// Cleared reports whether the event signals a completed payment.
func (e PaymentEvent) Cleared() bool {
	return (e.Type == "payment.updated" || e.Type == "payment.created") && e.Status == "COMPLETED"
}

// NoteFields are the tokens extracted from the payment note.
type NoteFields struct {
	PaymentID string
	Wallet    string
	Email     string
	Risk      string
}

// Payment is a cleared, parsed payment ready for orchestration.
type Payment struct {
	PaymentID string
	Wallet    string
	Email     string
	Strategy  StrategyType
	Amount    decimal.Decimal
}

// Allocation is one weighted protocol share of a strategy.
type Allocation struct {
	Protocol string
	Weight   decimal.Decimal
}

// IngressOutcome is how the ingress disposed of one event.
type IngressOutcome string

const (
	OutcomeProcessed IngressOutcome = "processed"
	OutcomeDuplicate IngressOutcome = "duplicate"
	OutcomeIgnored   IngressOutcome = "ignored"
)

// IngressResult is returned for every acknowledged event.
type IngressResult struct {
	Outcome  IngressOutcome
	Position *Position
}
