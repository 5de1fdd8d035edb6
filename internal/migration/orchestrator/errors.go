package orchestrator

import "fmt"

// ProvisioningError reports a failure while setting up the green
// endpoint.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("green provisioning failed: %v", e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ReplicationSetupError reports a failure establishing the native
// replication channel.
type ReplicationSetupError struct {
	Err error
}

func (e *ReplicationSetupError) Error() string {
	return fmt.Sprintf("replication setup failed: %v", e.Err)
}

func (e *ReplicationSetupError) Unwrap() error { return e.Err }

// CutoverTimeoutError reports that replication lag never converged
// below the threshold within the configured deadline.
type CutoverTimeoutError struct {
	Timeout  string
	LastLag  float64
	Observed bool
}

func (e *CutoverTimeoutError) Error() string {
	if !e.Observed {
		return fmt.Sprintf("replication catch-up timed out after %s: no status reported", e.Timeout)
	}
	return fmt.Sprintf("replication catch-up timed out after %s: last lag %.2fs", e.Timeout, e.LastLag)
}

// CutoverError reports any other failure mid-cutover, wrapping the
// original cause. Rollback has already run by the time it surfaces.
type CutoverError struct {
	Err error
}

func (e *CutoverError) Error() string {
	return fmt.Sprintf("cutover failed: %v", e.Err)
}

func (e *CutoverError) Unwrap() error { return e.Err }

// RollbackError reports a failure during the rollback path itself. It
// is logged by the cutover flow rather than propagated so it cannot
// mask the failure that triggered the rollback.
type RollbackError struct {
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v", e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
