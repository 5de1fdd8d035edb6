// Package datasync keeps the blue and green databases converging while
// traffic may still land on either side. It runs one cancellable sync
// task per table, independent of (and complementary to) the native
// replication channel, and tracks aggregate progress counters the
// orchestrator reads as snapshots.
package datasync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgshift/pgshift/internal/migration/gateway"
	"github.com/pgshift/pgshift/internal/migration/metrics"
)

// ChangeSource detects rows modified on an endpoint since a prior
// point in time. The shipped strategy is timestamp-based; trigger or
// log-based capture can be plugged in behind the same interface.
type ChangeSource interface {
	Changes(ctx context.Context, gw gateway.Gateway, ep gateway.Endpoint, table string, since time.Time) ([]gateway.Row, error)
}

// TimestampSource selects rows whose modification column exceeds the
// last successful sync time. With no prior sync time it performs no
// transfer: the initial bulk baseline must be established separately,
// a periodic diff pass is the wrong tool for it.
type TimestampSource struct {
	Column string
}

var _ ChangeSource = TimestampSource{}

func (s TimestampSource) Changes(ctx context.Context, gw gateway.Gateway, ep gateway.Endpoint, table string, since time.Time) ([]gateway.Row, error) {
	if since.IsZero() {
		return nil, nil
	}
	column := s.Column
	if column == "" {
		column = "updated_at"
	}
	return gw.Query(ctx, ep, fmt.Sprintf(`SELECT * FROM %s WHERE %s > $1`, table, column), since)
}

// Stats is a point-in-time snapshot of the engine's counters. Counters
// are monotonically non-decreasing across snapshots.
type Stats struct {
	RowsSynced   int64     `json:"rows_synced"`
	SyncErrors   int64     `json:"sync_errors"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Active       bool      `json:"active"`
	ActiveTasks  int       `json:"active_tasks"`
}

// Options configures optional engine collaborators.
type Options struct {
	Source   ChangeSource
	Resolver *Resolver
	Metrics  *metrics.Metrics
}

// Engine synchronizes a set of tables bidirectionally between the two
// endpoints. It owns the only live handles to its per-table tasks.
type Engine struct {
	gw          gateway.Gateway
	blue, green gateway.Endpoint
	source      ChangeSource
	resolver    *Resolver
	checker     *Checker
	metrics     *metrics.Metrics

	active     atomic.Bool
	rowsSynced atomic.Int64
	syncErrors atomic.Int64

	mu       sync.Mutex // guards tasks and lastSync
	tasks    map[string]context.CancelFunc
	lastSync time.Time
	wg       sync.WaitGroup
}

func NewEngine(gw gateway.Gateway, blue, green gateway.Endpoint, opts Options) *Engine {
	if opts.Source == nil {
		opts.Source = TimestampSource{}
	}
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(LastWriteWins, "")
	}
	return &Engine{
		gw:       gw,
		blue:     blue,
		green:    green,
		source:   opts.Source,
		resolver: opts.Resolver,
		checker:  NewChecker(gw, blue, green),
		metrics:  opts.Metrics,
	}
}

// StartSync spawns one sync task per table and returns immediately.
// Tasks run until StopSync or context cancellation; there is no
// natural termination.
func (e *Engine) StartSync(ctx context.Context, tables []string, interval time.Duration) error {
	if len(tables) == 0 {
		return fmt.Errorf("no tables to sync")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if !e.active.CompareAndSwap(false, true) {
		return fmt.Errorf("sync already active")
	}
	e.mu.Lock()
	e.tasks = make(map[string]context.CancelFunc, len(tables))
	for _, table := range tables {
		taskCtx, cancel := context.WithCancel(ctx)
		e.tasks[table] = cancel
		e.wg.Add(1)
		go e.syncTable(taskCtx, table, interval)
	}
	e.mu.Unlock()
	log.Info().Strs("tables", tables).Dur("interval", interval).Msg("sync started")
	return nil
}

// StopSync flips the engine inactive, cancels every task and joins
// them all, including tasks mid-sleep. Idempotent.
func (e *Engine) StopSync() {
	if !e.active.CompareAndSwap(true, false) {
		return
	}
	e.mu.Lock()
	for table, cancel := range e.tasks {
		cancel()
		delete(e.tasks, table)
	}
	e.mu.Unlock()
	e.wg.Wait()
	s := e.Stats()
	log.Info().
		Int64("rows_synced", s.RowsSynced).
		Int64("sync_errors", s.SyncErrors).
		Msg("synchronization stopped")
}

// Stats returns a snapshot copy, never a live reference.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	last := e.lastSync
	tasks := len(e.tasks)
	e.mu.Unlock()
	return Stats{
		RowsSynced:   e.rowsSynced.Load(),
		SyncErrors:   e.syncErrors.Load(),
		LastSyncTime: last,
		Active:       e.active.Load(),
		ActiveTasks:  tasks,
	}
}

// VerifyConsistency checks each table on both sides with identical
// sampling and ordering rules.
func (e *Engine) VerifyConsistency(ctx context.Context, tables []string, sampleSize int) []ConsistencyResult {
	results := make([]ConsistencyResult, 0, len(tables))
	consistent := 0
	for _, table := range tables {
		res := e.checker.VerifyTable(ctx, table, sampleSize)
		if res.Consistent {
			consistent++
		}
		results = append(results, res)
	}
	log.Info().Int("consistent", consistent).Int("total", len(tables)).Msg("consistency check finished")
	return results
}

func (e *Engine) syncTable(ctx context.Context, table string, interval time.Duration) {
	defer e.wg.Done()
	log.Debug().Str("table", table).Msg("sync task started")
	for e.active.Load() {
		if err := e.syncPass(ctx, table); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.syncErrors.Add(1)
			e.metrics.IncSyncError(table)
			log.Error().Err(err).Str("table", table).Msg("sync pass failed, backing off")
			if !sleepCtx(ctx, 5*interval) {
				return
			}
			continue
		}
		now := time.Now()
		e.mu.Lock()
		e.lastSync = now
		e.mu.Unlock()
		e.metrics.SetLastSync(table, now)
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

func (e *Engine) syncPass(ctx context.Context, table string) error {
	e.mu.Lock()
	since := e.lastSync
	e.mu.Unlock()

	if _, err := e.syncDirection(ctx, e.blue, e.green, table, since); err != nil {
		return err
	}
	if _, err := e.syncDirection(ctx, e.green, e.blue, table, since); err != nil {
		return err
	}
	return nil
}

// syncDirection applies rows modified on src since the given time onto
// dst with upsert semantics. When the target holds its own concurrent
// modification of a row, the conflict resolver decides which version
// survives.
func (e *Engine) syncDirection(ctx context.Context, src, dst gateway.Endpoint, table string, since time.Time) (int, error) {
	changes, err := e.source.Changes(ctx, e.gw, src, table, since)
	if err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}
	direction := src.Name + "->" + dst.Name
	log.Debug().Str("table", table).Str("direction", direction).Int("changes", len(changes)).Msg("applying changes")

	pk := primaryKeyColumn(ctx, e.gw, dst, table)
	applied := 0
	for _, incoming := range changes {
		existing, err := e.currentRow(ctx, dst, table, pk, incoming[pk])
		if err != nil {
			return applied, err
		}
		if existing != nil && modifiedSince(existing, since, e.resolver.column) {
			if winner := e.resolver.Resolve(existing, incoming); !sameVersion(winner, incoming, e.resolver.column) {
				// Target already holds the surviving version.
				continue
			}
		}
		if err := e.upsert(ctx, dst, table, pk, incoming); err != nil {
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		e.rowsSynced.Add(int64(applied))
		e.metrics.AddRowsSynced(table, direction, applied)
	}
	return applied, nil
}

func (e *Engine) currentRow(ctx context.Context, ep gateway.Endpoint, table, pk string, key any) (gateway.Row, error) {
	if key == nil {
		return nil, nil
	}
	rows, err := e.gw.Query(ctx, ep, fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`, table, pk), key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (e *Engine) upsert(ctx context.Context, ep gateway.Endpoint, table, pk string, row gateway.Row) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var updates []string
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
		if col != pk {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", pk)
	if len(updates) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", pk, strings.Join(updates, ", "))
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) %s`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), conflict)
	_, err := e.gw.Execute(ctx, ep, q, args...)
	return err
}

func modifiedSince(row gateway.Row, since time.Time, column string) bool {
	if since.IsZero() {
		return false
	}
	t, ok := rowTime(row, column)
	return ok && t.After(since)
}

// sameVersion reports whether two row versions carry the same
// modification timestamp; used to tell which version the resolver
// returned. Rows without timestamps are never considered the same.
func sameVersion(a, b gateway.Row, column string) bool {
	ta, aok := rowTime(a, column)
	tb, bok := rowTime(b, column)
	return aok && bok && ta.Equal(tb)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
