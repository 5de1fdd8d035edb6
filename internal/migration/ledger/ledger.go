// Package ledger tracks versioned schema change-sets in a
// schema_version table: which version is current, who applied what
// when, and the checksum of each applied change. It is the simple
// bookkeeping collaborator next to the cutover core.
package ledger

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Migration is a single versioned change-set with forward and rollback
// SQL.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// Record is one applied entry in the ledger.
type Record struct {
	Version         int       `json:"version"`
	Description     string    `json:"description"`
	AppliedAt       time.Time `json:"applied_at"`
	Checksum        string    `json:"checksum"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	AppliedBy       string    `json:"applied_by"`
}

// DuplicateVersionError reports an attempt to apply a version at or
// below the current one. The history is left unchanged.
type DuplicateVersionError struct {
	Version int
	Current int
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("migration %d already applied (current: %d)", e.Version, e.Current)
}

// Ledger manages the schema_version table on a single endpoint.
type Ledger struct {
	db *sql.DB
}

// Open connects to the endpoint and verifies connectivity.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Init creates the schema_version table if it does not exist.
func (l *Ledger) Init(ctx context.Context) error {
	const q = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		checksum TEXT NOT NULL,
		execution_time_ms INTEGER,
		applied_by TEXT DEFAULT CURRENT_USER
	)`
	if _, err := l.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("init schema_version: %w", err)
	}
	log.Info().Msg("schema version table initialized")
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (l *Ledger) CurrentVersion(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(MAX(version), 0) FROM schema_version`
	var version int
	if err := l.db.QueryRowContext(ctx, q).Scan(&version); err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return version, nil
}

// History returns all applied records ordered by version.
func (l *Ledger) History(ctx context.Context) ([]Record, error) {
	const q = `SELECT version, description, applied_at, checksum,
		COALESCE(execution_time_ms, 0), applied_by
	FROM schema_version
	ORDER BY version`
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Description, &r.AppliedAt, &r.Checksum, &r.ExecutionTimeMS, &r.AppliedBy); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Apply executes a migration and records it. A version at or below the
// current one fails with DuplicateVersionError and leaves history
// unchanged. On execution failure the down SQL runs automatically.
func (l *Ledger) Apply(ctx context.Context, m Migration) error {
	current, err := l.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if m.Version <= current {
		derr := &DuplicateVersionError{Version: m.Version, Current: current}
		log.Warn().Err(derr).Msg("migration skipped")
		return derr
	}

	start := time.Now()
	log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")
	if err := l.applyTx(ctx, m, start); err != nil {
		log.Error().Err(err).Int("version", m.Version).Msg("migration failed, rolling back")
		if _, derr := l.db.ExecContext(ctx, m.DownSQL); derr != nil {
			log.Error().Err(derr).Int("version", m.Version).Msg("down migration failed")
			return fmt.Errorf("migration %d failed and down migration failed: %w", m.Version, derr)
		}
		return fmt.Errorf("migration %d failed: %w", m.Version, err)
	}
	log.Info().Int("version", m.Version).Dur("took", time.Since(start)).Msg("migration applied")
	return nil
}

func (l *Ledger) applyTx(ctx context.Context, m Migration, start time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return err
	}
	const q = `INSERT INTO schema_version (version, description, checksum, execution_time_ms)
	VALUES ($1, $2, $3, $4)`
	elapsed := time.Since(start).Milliseconds()
	if _, err := tx.ExecContext(ctx, q, m.Version, m.Description, Checksum(m.UpSQL), elapsed); err != nil {
		return err
	}
	return tx.Commit()
}

// Rollback reverts one applied version with its down SQL and removes
// it from history. Versions above the current one are refused.
func (l *Ledger) Rollback(ctx context.Context, version int, downSQL string) error {
	current, err := l.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if version > current {
		return fmt.Errorf("cannot rollback migration %d: not yet applied (current: %d)", version, current)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollback migration %d: %w", version, err)
	}
	defer tx.Rollback()

	log.Info().Int("version", version).Msg("rolling back migration")
	if _, err := tx.ExecContext(ctx, downSQL); err != nil {
		return fmt.Errorf("rollback migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = $1`, version); err != nil {
		return fmt.Errorf("rollback migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollback migration %d: %w", version, err)
	}
	log.Info().Int("version", version).Msg("migration rolled back")
	return nil
}

// ValidateHistory checks a history for sequential, gap-free version
// numbers starting at 1.
func ValidateHistory(history []Record) (bool, []string) {
	var issues []string
	expected := 1
	for _, r := range history {
		if r.Version != expected {
			issues = append(issues,
				fmt.Sprintf("gap in migration sequence: expected %d, found %d", expected, r.Version))
		}
		expected = r.Version + 1
	}
	return len(issues) == 0, issues
}

// ValidateIntegrity checks the stored history for gaps.
func (l *Ledger) ValidateIntegrity(ctx context.Context) (bool, []string, error) {
	history, err := l.History(ctx)
	if err != nil {
		return false, nil, err
	}
	ok, issues := ValidateHistory(history)
	if ok {
		log.Info().Msg("migration integrity check passed")
	} else {
		log.Warn().Strs("issues", issues).Msg("migration integrity issues found")
	}
	return ok, issues, nil
}

// Checksum is the hex digest recorded for an applied change-set.
func Checksum(sql string) string {
	sum := md5.Sum([]byte(sql))
	return hex.EncodeToString(sum[:])
}
