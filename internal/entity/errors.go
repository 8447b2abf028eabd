package entity

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJobRequest rejects create requests that fail boundary
	// validation (empty command, timeout out of range, unknown priority).
	ErrInvalidJobRequest = errors.New("invalid job request")

	ErrJobAlreadyTerminal = errors.New("job already in a terminal state")

	// ErrJobNotTerminal guards operations that only apply to finished
	// jobs, such as deletion.
	ErrJobNotTerminal = errors.New("job not in a terminal state")
)

// InvalidTransitionError is returned when attempting an illegal job
// state transition.
type InvalidTransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
