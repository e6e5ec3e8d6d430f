package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// centPlaces is the precision of settlement amounts.
const centPlaces = 2

// Allocate splits total across weights. Each leg but the last is rounded to
// cents; the last leg takes the remainder so the legs always sum to the
// rounded total exactly. Weights are relative and need not sum to 1 or 100.
// A leg that rounds to zero is allocated as skipped and never deposited.
func Allocate(total decimal.Decimal, weights []domain.Allocation) ([]domain.ProtocolLeg, error) {
	if len(weights) == 0 {
		return nil, errors.New("allocate: strategy has no protocol legs")
	}
	total = total.Round(centPlaces)
	if !total.IsPositive() {
		return nil, fmt.Errorf("allocate: total %s must be positive", total)
	}

	sum := decimal.Zero
	for _, w := range weights {
		if !w.Weight.IsPositive() {
			return nil, fmt.Errorf("allocate: weight for %s must be positive", w.Protocol)
		}
		sum = sum.Add(w.Weight)
	}

	legs := make([]domain.ProtocolLeg, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		var amt decimal.Decimal
		if i == len(weights)-1 {
			amt = total.Sub(allocated)
		} else {
			amt = total.Mul(w.Weight).Div(sum).Round(centPlaces)
		}
		if amt.IsNegative() {
			return nil, fmt.Errorf("allocate: leg %s rounded below zero", w.Protocol)
		}
		allocated = allocated.Add(amt)
		status := domain.LegPending
		if amt.IsZero() {
			status = domain.LegSkipped
		}
		legs[i] = domain.ProtocolLeg{Protocol: w.Protocol, Amount: amt, Status: status}
	}
	return legs, nil
}

// ParseStrategy maps the free-text risk token of a payment note onto a
// strategy, falling back to def when the token is empty or unrecognized.
func ParseStrategy(risk string, def domain.StrategyType) domain.StrategyType {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "low", "safe", "conservative":
		return domain.StrategyConservative
	case "medium", "moderate", "balanced":
		return domain.StrategyBalanced
	case "high", "aggressive":
		return domain.StrategyAggressive
	}
	return def
}
