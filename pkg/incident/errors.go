package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for edges outside the transition table.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGuardDenied is returned when a transition guard rejects the edge.
	ErrGuardDenied = errors.New("transition denied by guard")
)

// InvalidTransitionError lists the allowed successor set for the denied edge.
type InvalidTransitionError struct {
	IncidentID string
	From       Status
	To         Status
	Allowed    []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("incident %s: transition %s → %s not permitted (allowed: %v)",
		e.IncidentID, e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// GuardDeniedError carries the guard's reason.
type GuardDeniedError struct {
	IncidentID string
	From       Status
	To         Status
	Reason     string
}

func (e *GuardDeniedError) Error() string {
	return fmt.Sprintf("incident %s: transition %s → %s denied: %s",
		e.IncidentID, e.From, e.To, e.Reason)
}

func (e *GuardDeniedError) Is(target error) bool { return target == ErrGuardDenied }
