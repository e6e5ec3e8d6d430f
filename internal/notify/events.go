package notify

// Operator event types.
const (
	EventPositionFailed = "position_failed"
	EventRefundSent     = "refund_sent"
	EventRefundFailed   = "refund_failed"
	EventHubUnderfunded = "hub_underfunded"
)

// KnownEvents lists every event type the pipeline emits.
var KnownEvents = []string{EventPositionFailed, EventRefundSent, EventRefundFailed, EventHubUnderfunded}

// IsKnownEvent reports whether name is one of KnownEvents.
func IsKnownEvent(name string) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}
