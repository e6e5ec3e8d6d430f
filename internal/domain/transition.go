package domain

import "fmt"

// transitions lists the legal forward moves of the Position state machine.
// failed and supply_failed may move back to pending only through an explicit
// retry; closed is reached only from active.
var transitions = map[PositionStatus][]PositionStatus{
	StatusPending:      {StatusAvaxSent, StatusExecuting, StatusFailed},
	StatusAvaxSent:     {StatusExecuting},
	StatusExecuting:    {StatusActive, StatusSupplyFailed, StatusGasSentCapFailed, StatusFailed},
	StatusActive:       {StatusClosed},
	StatusSupplyFailed: {StatusPending},
	StatusFailed:       {StatusPending},
}

// CanTransition reports whether a Position may move from one status to
// another. Writing the same status again (a field-only update) is allowed.
func CanTransition(from, to PositionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when
// the move is illegal.
func CheckTransition(from, to PositionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
