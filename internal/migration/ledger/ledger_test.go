package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHistory(t *testing.T) {
	tests := []struct {
		name     string
		versions []int
		valid    bool
	}{
		{"empty history is valid", nil, true},
		{"sequential from one", []int{1, 2, 3}, true},
		{"missing first version", []int{2, 3}, false},
		{"gap in the middle", []int{1, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := make([]Record, 0, len(tt.versions))
			for _, v := range tt.versions {
				history = append(history, Record{Version: v})
			}
			valid, issues := ValidateHistory(history)
			assert.Equal(t, tt.valid, valid)
			if tt.valid {
				assert.Empty(t, issues)
			} else {
				assert.NotEmpty(t, issues)
			}
		})
	}
}

func TestChecksumIsStable(t *testing.T) {
	a := Checksum("CREATE TABLE users (id SERIAL PRIMARY KEY)")
	b := Checksum("CREATE TABLE users (id SERIAL PRIMARY KEY)")
	c := Checksum("CREATE TABLE orders (id SERIAL PRIMARY KEY)")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestDuplicateVersionErrorMessage(t *testing.T) {
	err := &DuplicateVersionError{Version: 2, Current: 3}
	assert.Contains(t, err.Error(), "2")
	assert.Contains(t, err.Error(), "3")
}

// openTestLedger connects to a real database or skips; these tests need
// a PostgreSQL instance reachable via LEDGER_TEST_DSN.
func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set, skipping integration test")
	}
	l, err := Open(dsn)
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	return l
}

func TestLedgerApplyAndHistory(t *testing.T) {
	l := openTestLedger(t)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Init(ctx))
	table := fmt.Sprintf("ledger_test_%d", time.Now().UnixNano())
	m := Migration{
		Version:     1000000,
		Description: "create test table",
		UpSQL:       fmt.Sprintf("CREATE TABLE %s (id SERIAL PRIMARY KEY)", table),
		DownSQL:     fmt.Sprintf("DROP TABLE IF EXISTS %s", table),
	}
	defer l.Rollback(ctx, m.Version, m.DownSQL)

	require.NoError(t, l.Apply(ctx, m))

	current, err := l.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, current, m.Version)

	history, err := l.History(ctx)
	require.NoError(t, err)
	found := false
	for _, r := range history {
		if r.Version == m.Version {
			found = true
			assert.Equal(t, m.Description, r.Description)
			assert.Equal(t, Checksum(m.UpSQL), r.Checksum)
			assert.NotEmpty(t, r.AppliedBy)
		}
	}
	assert.True(t, found)

	// Re-applying the same version must fail without touching history.
	var dup *DuplicateVersionError
	err = l.Apply(ctx, m)
	require.Error(t, err)
	assert.True(t, errors.As(err, &dup))
	assert.Equal(t, m.Version, dup.Version)
}

func TestLedgerApplyFailureRunsDownSQL(t *testing.T) {
	l := openTestLedger(t)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Init(ctx))
	current, err := l.CurrentVersion(ctx)
	require.NoError(t, err)

	m := Migration{
		Version:     current + 1000000,
		Description: "intentionally broken",
		UpSQL:       "THIS IS NOT SQL",
		DownSQL:     "SELECT 1",
	}
	require.Error(t, l.Apply(ctx, m))

	after, err := l.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, after, "failed migration must not advance the version")
}

func TestLedgerRollbackRefusesUnapplied(t *testing.T) {
	l := openTestLedger(t)
	defer l.Close()
	ctx := context.Background()

	require.NoError(t, l.Init(ctx))
	current, err := l.CurrentVersion(ctx)
	require.NoError(t, err)

	err = l.Rollback(ctx, current+5000000, "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet applied")
}
