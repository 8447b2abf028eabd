package entity

import "time"

// Sort keys accepted by job listing.
const (
	SortByCreatedAt = "created_at"
	SortByPriority  = "priority"
)

// ListFilter narrows and pages a job listing. Nil filter fields match
// everything.
type ListFilter struct {
	Status   *JobStatus
	Priority *JobPriority

	Limit  int
	Offset int

	SortBy   string // SortByCreatedAt (default) or SortByPriority
	SortDesc bool
}

// Finalization carries everything written when a job enters a terminal
// state. The repository applies it only while the job is still Running,
// so the first finalizer wins and terminal states never regress.
type Finalization struct {
	Status                 JobStatus
	Stdout                 *string
	Stderr                 *string
	ExitCode               *int
	Reason                 FailureReason
	TerminationUnconfirmed bool
	CompletedAt            time.Time
}
