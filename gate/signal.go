package gate

// Signal names a broker event. The string values are a stable contract with
// presenters and observers.
type Signal string

const (
	SignalRequested Signal = "confirmation.requested"
	SignalConfirmed Signal = "confirmation.confirmed"
	SignalCancelled Signal = "confirmation.cancelled"
)

// RequestedPayload accompanies SignalRequested.
type RequestedPayload struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Target string `json:"target"`
}

// ResolvedPayload accompanies SignalConfirmed and SignalCancelled.
type ResolvedPayload struct {
	ID string `json:"id"`
}

// Observer receives every signal in emission order. It runs on the emitting
// goroutine and must not block.
type Observer func(sig Signal, payload any)

// Decision is the outcome of a confirmation. The zero value is Cancelled.
type Decision int

const (
	Cancelled Decision = iota
	Confirmed
)

func (d Decision) String() string {
	if d == Confirmed {
		return "confirmed"
	}
	return "cancelled"
}
