package model

import "fmt"

// ActivationState is the lifecycle state of a number purchase.
type ActivationState string

const (
	StateInit      ActivationState = "INIT"
	StateReserved  ActivationState = "RESERVED"
	StateActive    ActivationState = "ACTIVE"
	StateReceived  ActivationState = "RECEIVED"
	StateCancelled ActivationState = "CANCELLED"
	StateExpired   ActivationState = "EXPIRED"
	StateFailed    ActivationState = "FAILED"
	StateRefunded  ActivationState = "REFUNDED"
)

// transitions is the complete set of legal state changes. Anything not
// listed here is rejected by ValidateTransition.
var transitions = map[ActivationState][]ActivationState{
	StateInit:      {StateReserved},
	StateReserved:  {StateActive, StateFailed, StateCancelled},
	StateActive:    {StateReceived, StateExpired, StateCancelled},
	StateExpired:   {StateRefunded},
	StateFailed:    {StateRefunded},
	StateCancelled: {StateRefunded},
	StateReceived:  {},
	StateRefunded:  {},
}

// stateLabels are the human-readable descriptions surfaced on order status.
var stateLabels = map[ActivationState]string{
	StateInit:      "Order created",
	StateReserved:  "Reserving number",
	StateActive:    "Waiting for SMS",
	StateReceived:  "SMS received",
	StateCancelled: "Cancelled",
	StateExpired:   "Expired",
	StateFailed:    "Failed",
	StateRefunded:  "Refunded",
}

// InvalidTransitionError reports an attempted state change the machine does
// not allow. Hitting one means a caller has a logic bug, not a data race.
type InvalidTransitionError struct {
	From ActivationState
	To   ActivationState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid activation transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns nil when from -> to is legal.
func ValidateTransition(from, to ActivationState) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// IsTerminal reports whether no further transition can leave the state.
func (s ActivationState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsRefundable reports whether the refund path may run from this state.
func (s ActivationState) IsRefundable() bool {
	switch s {
	case StateExpired, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a user-initiated cancel is accepted.
func (s ActivationState) IsCancellable() bool {
	return s == StateReserved || s == StateActive
}

// Label returns the human-readable description of the state.
func (s ActivationState) Label() string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s ActivationState) Valid() bool {
	_, ok := stateLabels[s]
	return ok
}
