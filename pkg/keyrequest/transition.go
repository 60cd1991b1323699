package keyrequest

import "fmt"

// Origin identifies who drives a transition.
type Origin string

const (
	OriginEngine Origin = "engine"
	OriginAdmin  Origin = "admin"
)

// CanTransition reports whether from -> to is legal for the given origin.
// Administrative overrides may move a request between any two states.
func CanTransition(from, to State, origin Origin) bool {
	if !valid(from) || !valid(to) {
		return false
	}
	if origin == OriginAdmin {
		return true
	}
	switch from {
	case StatePending:
		return true
	case StateReview:
		return to == StateApproved || to == StateDenied || to == StatePending
	default:
		return false
	}
}

// Transition returns to when the move is legal, otherwise from and an error
// wrapping ErrInvalidTransition.
func Transition(from, to State, origin Origin) (State, error) {
	if !CanTransition(from, to, origin) {
		return from, fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, origin)
	}
	return to, nil
}

func valid(s State) bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateReview:
		return true
	}
	return false
}
