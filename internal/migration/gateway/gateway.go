package gateway

import (
	"context"
	"fmt"
)

// Endpoint identifies one database side of the migration by connection
// descriptor. Immutable once constructed; exactly two exist per
// orchestration (blue and green).
type Endpoint struct {
	Name string
	DSN  string
}

func (e Endpoint) String() string { return e.Name }

// Row is a single result row keyed by column name.
type Row map[string]any

// LagMeasurement is a point-in-time replication lag sample.
type LagMeasurement struct {
	LagSeconds float64 `json:"lag_seconds"`
	LagBytes   int64   `json:"lag_bytes"`
}

// Gateway is the capability contract the migration core calls into.
// Implementations must scope every call to a single connection
// (acquire, use, release) and must make the channel operations
// idempotent: creating an existing channel or dropping an absent one
// is success, not an error.
type Gateway interface {
	// Execute runs a statement and returns the number of affected rows.
	Execute(ctx context.Context, ep Endpoint, sql string, args ...any) (int64, error)

	// Query runs a query and returns all rows.
	Query(ctx context.Context, ep Endpoint, sql string, args ...any) ([]Row, error)

	// SetReadOnly toggles write acceptance on an endpoint. The setting
	// applies to statements issued after the call returns.
	SetReadOnly(ctx context.Context, ep Endpoint, readOnly bool) error

	// CreateReplicationChannel establishes the native source→target
	// replication primitive pair (publication on source, subscription
	// on target).
	CreateReplicationChannel(ctx context.Context, source, target Endpoint) error

	// DropReplicationChannel tears the pair down, subscription before
	// publication so no dangling consumer remains.
	DropReplicationChannel(ctx context.Context, source, target Endpoint) error

	// ReplicationStatus returns the lag sample for the well-known
	// subscriber identity, or nil when the source is not yet reporting
	// a status row. Absence is not an error.
	ReplicationStatus(ctx context.Context, source Endpoint) (*LagMeasurement, error)

	// RecentCommitActivity reports whether the endpoint has committed
	// transactions recently. Best-effort signal.
	RecentCommitActivity(ctx context.Context, ep Endpoint) (bool, error)
}

// ConnectionError reports a transport or authentication failure
// against an endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatementError reports a statement the endpoint rejected.
type StatementError struct {
	Endpoint string
	Err      error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement on %s failed: %v", e.Endpoint, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }
