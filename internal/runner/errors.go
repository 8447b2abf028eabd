package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteConnectFailed wraps connection establishment failures.
	// It is the only transient error class; the dispatcher retries it.
	ErrRemoteConnectFailed = errors.New("remote connect failed")

	// ErrTimeout marks an execution that exceeded the job's wall-clock
	// bound. The remote process was sent a termination signal.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled marks an execution stopped by the job-level
	// cancellation signal.
	ErrCancelled = errors.New("command cancelled")
)

// ExitError reports a remote command that completed with a non-zero
// exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// StreamError wraps an unexpected I/O failure while reading the remote
// output streams that is neither a timeout nor a cancellation.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
