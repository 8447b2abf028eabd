package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "Queued"
	StatusRunning   JobStatus = "Running"
	StatusSuccess   JobStatus = "Success"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal
// state-machine step.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrJobAlreadyTerminal when s is final and an
// InvalidTransitionError for any other illegal step.
func (s JobStatus) ValidateTransition(next JobStatus) error {
	if s.Terminal() {
		return ErrJobAlreadyTerminal
	}
	if !s.CanTransition(next) {
		return &InvalidTransitionError{From: s, To: next}
	}
	return nil
}

type JobPriority string

const (
	PriorityLow    JobPriority = "Low"
	PriorityMedium JobPriority = "Medium"
	PriorityHigh   JobPriority = "High"
)

// Rank maps a priority to its dispatch weight; higher runs first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func (p JobPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// FailureReason explains why a job ended in Failed.
type FailureReason string

const (
	ReasonTimeout          FailureReason = "Timeout"
	ReasonNonZeroExit      FailureReason = "NonZeroExit"
	ReasonStreamError      FailureReason = "StreamError"
	ReasonRetriesExhausted FailureReason = "RetriesExhausted"
)

type Job struct {
	ID             uuid.UUID   `json:"id"`
	Command        string      `json:"command"`
	Priority       JobPriority `json:"priority"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Status         JobStatus   `json:"status"`

	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`

	ExitCode *int          `json:"exit_code,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`

	// RemoteProcessID is the PID of the spawned remote process, set once
	// the command has started on the target. Used for out-of-band kill.
	RemoteProcessID *string `json:"remote_process_id,omitempty"`

	// TerminationUnconfirmed is advisory: the job was finalized but the
	// remote process could not be confirmed dead.
	TerminationUnconfirmed bool `json:"termination_unconfirmed,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
