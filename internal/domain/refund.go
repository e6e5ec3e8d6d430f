package domain

// RefundOutcome is the per-Position result of a refund sweep.
type RefundOutcome string

const (
	RefundSent    RefundOutcome = "refunded"
	RefundFailed  RefundOutcome = "failed"
	RefundSkipped RefundOutcome = "skipped"
)

// RefundItem describes what happened to one Position during a sweep.
type RefundItem struct {
	PositionID string        `json:"positionId"`
	PaymentID  string        `json:"paymentId"`
	Outcome    RefundOutcome `json:"outcome"`
	TxHash     string        `json:"txHash,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RefundReport summarizes a sweep.
type RefundReport struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Results    []RefundItem `json:"results"`
}

// RefundEligibility is the read-only view of pending refund work.
type RefundEligibility struct {
	Total           int `json:"total"`
	Eligible        int `json:"eligible"`
	AlreadyRefunded int `json:"alreadyRefunded"`
}
