package datasync

import (
	"time"

	"github.com/pgshift/pgshift/internal/migration/gateway"
)

// Strategy selects how concurrent modifications of the same row are
// reconciled.
type Strategy string

const (
	// LastWriteWins keeps the row with the newer modification
	// timestamp.
	LastWriteWins Strategy = "last-write-wins"
)

// Resolver reconciles two concurrently-modified versions of a row.
type Resolver struct {
	strategy Strategy
	column   string
}

func NewResolver(strategy Strategy, timestampColumn string) *Resolver {
	if strategy == "" {
		strategy = LastWriteWins
	}
	if timestampColumn == "" {
		timestampColumn = "updated_at"
	}
	return &Resolver{strategy: strategy, column: timestampColumn}
}

// Resolve returns the surviving version of the row. a is the version
// already on the target, b the incoming one.
func (r *Resolver) Resolve(a, b gateway.Row) gateway.Row {
	if r.secondWins(a, b) {
		return b
	}
	return a
}

// secondWins reports whether the incoming version b supersedes a.
// Under last-write-wins both timestamps are compared and the newer row
// wins (ties go to the incoming side). Rows without a comparable
// timestamp fall back to preferring a non-empty incoming version.
func (r *Resolver) secondWins(a, b gateway.Row) bool {
	switch r.strategy {
	case LastWriteWins:
		ta, aok := rowTime(a, r.column)
		tb, bok := rowTime(b, r.column)
		if aok && bok {
			return !tb.Before(ta)
		}
		return len(b) > 0
	default:
		return false
	}
}

func rowTime(row gateway.Row, column string) (time.Time, bool) {
	v, ok := row[column]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
