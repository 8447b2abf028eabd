// Package runner executes a single shell command on the fixed remote
// target over SSH, streaming output incrementally and honoring timeout
// and cancellation signals.
package runner

import (
	"context"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

// Sink receives incremental execution events from a session runner.
// Callbacks for a single run are never invoked concurrently with each
// other for the same stream, and line order within a stream matches the
// order the remote process emitted it.
type Sink interface {
	// Started reports the PID of the spawned remote process.
	Started(pid string)

	Stdout(line string)
	Stderr(line string)
}

// Result describes a finished attempt. Cancelled and TimedOut results
// carry whatever partial output classification the caller needs via the
// returned error; Result itself only holds the exit code when one was
// observed.
type Result struct {
	ExitCode int

	// TerminationUnconfirmed is set when a kill was issued but the death
	// of the remote process could not be confirmed within the grace
	// period.
	TerminationUnconfirmed bool
}

// Runner is the session runner port used by the dispatcher and the
// cancel orchestrator.
type Runner interface {
	// Run executes the job's command remotely. ctx carries the
	// wall-clock timeout; cancelCh is the job-level cancellation signal
	// and is observed ahead of the timeout at every checkpoint. The
	// remote session is closed on every exit path.
	//
	// Errors are classified: ErrRemoteConnectFailed (transient),
	// ErrTimeout, ErrCancelled, *ExitError, *StreamError.
	Run(ctx context.Context, job *entity.Job, cancelCh <-chan struct{}, sink Sink) (*Result, error)

	// Kill terminates a remote process by PID, out of band of any run.
	Kill(ctx context.Context, pid string) error
}
