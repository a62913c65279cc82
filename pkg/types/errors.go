package types

import "errors"

// Sentinel errors for the taxonomy of §7: callers distinguish these with
// errors.Is/errors.As instead of matching message strings.
var (
	// ErrConfigInvalid is fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrCredentialsUnavailable is per-job fatal; never retried within a job.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")

	// ErrPulpUnreachable is raised at the job level only once the
	// per-request retry ceiling has been exhausted.
	ErrPulpUnreachable = errors.New("pulp unreachable")

	// ErrPulpTaskFailed is terminal per-repo; the verbatim Pulp error
	// payload is carried on TaskFailedError.
	ErrPulpTaskFailed = errors.New("pulp task failed")

	// ErrConflict means another active job already covers the same
	// (server, repo, kind) tuple.
	ErrConflict = errors.New("conflicting job already active")

	// ErrDeadline means the job's wall-clock budget expired.
	ErrDeadline = errors.New("deadline exceeded")

	// ErrCanceled means the job was canceled by an operator.
	ErrCanceled = errors.New("canceled")
)

// TaskFailedError wraps ErrPulpTaskFailed with the verbatim error payload
// Pulp returned for a failed task.
type TaskFailedError struct {
	Repo    string
	Payload string
}

func (e *TaskFailedError) Error() string {
	return "pulp task failed for " + e.Repo + ": " + e.Payload
}

func (e *TaskFailedError) Unwrap() error {
	return ErrPulpTaskFailed
}
