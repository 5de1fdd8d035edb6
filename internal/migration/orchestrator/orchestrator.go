// Package orchestrator drives the blue/green cutover protocol: green
// provisioning, native replication bootstrap, the lag-gated cutover
// and the always-available rollback escape hatch. At every instant
// exactly one side is authoritative for writes; safety relies on the
// read-only toggles being applied before traffic redirection is
// signaled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pgshift/pgshift/internal/migration/gateway"
	"github.com/pgshift/pgshift/internal/migration/metrics"
	"github.com/pgshift/pgshift/internal/migration/redirect"
)

// Phase is the orchestrator's position in the migration state machine.
type Phase string

const (
	PhaseInitialized         Phase = "initialized"
	PhaseGreenProvisioning   Phase = "green_provisioning"
	PhaseReplicationStarting Phase = "replication_starting"
	PhaseReplicating         Phase = "replicating"
	PhaseCuttingOver         Phase = "cutting_over"
	PhaseCutover             Phase = "cutover"
	PhaseRollingBack         Phase = "rolling_back"
	PhaseStopped             Phase = "stopped"
)

var allPhases = []string{
	string(PhaseInitialized), string(PhaseGreenProvisioning),
	string(PhaseReplicationStarting), string(PhaseReplicating),
	string(PhaseCuttingOver), string(PhaseCutover),
	string(PhaseRollingBack), string(PhaseStopped),
}

// State is a point-in-time snapshot of the migration.
type State struct {
	Phase             Phase     `json:"phase"`
	ReplicationActive bool      `json:"replication_active"`
	CutoverComplete   bool      `json:"cutover_complete"`
	AttemptID         string    `json:"attempt_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// CutoverOptions parameterize one cutover attempt.
type CutoverOptions struct {
	// MaxLagSeconds gates the cutover: lag must be strictly below this
	// value. A threshold-equal sample does not satisfy the gate.
	MaxLagSeconds float64
	// Timeout bounds the catch-up wait loop, measured from loop start.
	Timeout time.Duration
	// PollInterval is the lag sampling period.
	PollInterval time.Duration
	// SettleWindow is how long to wait after redirecting traffic
	// before probing for committed writes.
	SettleWindow time.Duration
	// StrictTrafficCheck makes a zero-activity probe after cutover
	// roll back instead of only logging a warning. The signal is
	// ambiguous, so the default is fail-open.
	StrictTrafficCheck bool
}

func (o *CutoverOptions) withDefaults() {
	if o.MaxLagSeconds <= 0 {
		o.MaxLagSeconds = 1.0
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SettleWindow < 0 {
		o.SettleWindow = 0
	}
}

// Options configures optional orchestrator collaborators.
type Options struct {
	// Tables is the table set used when copying blue's schema to
	// green without a supplied schema definition.
	Tables []string
	// Director signals traffic redirection; defaults to log-only.
	Director redirect.Director
	// SettleWindow applies to rollback (and to cutover attempts that
	// leave CutoverOptions.SettleWindow unset).
	SettleWindow time.Duration
	Metrics      *metrics.Metrics
}

// Orchestrator owns MigrationState and is its only mutator. Each
// transition is all-or-nothing from the caller's viewpoint.
type Orchestrator struct {
	gw          gateway.Gateway
	blue, green gateway.Endpoint
	tables      []string
	director    redirect.Director
	settle      time.Duration
	metrics     *metrics.Metrics

	mu                sync.Mutex
	phase             Phase
	replicationActive bool
	cutoverComplete   bool
	attemptID         string
}

func New(gw gateway.Gateway, blue, green gateway.Endpoint, opts Options) *Orchestrator {
	if opts.Director == nil {
		opts.Director = redirect.LogDirector{}
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = 5 * time.Second
	}
	o := &Orchestrator{
		gw:       gw,
		blue:     blue,
		green:    green,
		tables:   opts.Tables,
		director: opts.Director,
		settle:   opts.SettleWindow,
		metrics:  opts.Metrics,
		phase:    PhaseInitialized,
	}
	o.metrics.SetPhase(string(PhaseInitialized), allPhases)
	return o
}

// Status returns a snapshot of the migration state with a timestamp.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Phase:             o.phase,
		ReplicationActive: o.replicationActive,
		CutoverComplete:   o.cutoverComplete,
		AttemptID:         o.attemptID,
		Timestamp:         time.Now().UTC(),
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.metrics.SetPhase(string(p), allPhases)
}

func (o *Orchestrator) currentPhase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// SetupGreen provisions the green endpoint with the supplied schema,
// or with a copy of blue's schema for the configured tables when none
// is given. Idempotent with respect to re-invocation after
// fix-and-retry; on failure the state does not advance past
// Initialized.
func (o *Orchestrator) SetupGreen(ctx context.Context, schemaSQL string) error {
	log.Info().Str("endpoint", o.green.Name).Msg("setting up green database")
	o.setPhase(PhaseGreenProvisioning)
	if err := o.provisionGreen(ctx, schemaSQL); err != nil {
		o.setPhase(PhaseInitialized)
		perr := &ProvisioningError{Err: err}
		log.Error().Err(perr).Msg("green setup failed")
		return perr
	}
	log.Info().Msg("green database setup complete")
	return nil
}

func (o *Orchestrator) provisionGreen(ctx context.Context, schemaSQL string) error {
	if schemaSQL != "" {
		_, err := o.gw.Execute(ctx, o.green, schemaSQL)
		return err
	}
	if len(o.tables) == 0 {
		return fmt.Errorf("no schema supplied and no tables configured to copy from %s", o.blue.Name)
	}
	for _, table := range o.tables {
		ddl, err := o.tableDDL(ctx, table)
		if err != nil {
			return err
		}
		if _, err := o.gw.Execute(ctx, o.green, ddl); err != nil {
			return err
		}
	}
	return nil
}

// tableDDL reconstructs a CREATE TABLE statement for one of blue's
// tables from the catalog. Deliberately minimal: full DDL diffing is a
// separate tool's job, this only mirrors column shape and primary key.
func (o *Orchestrator) tableDDL(ctx context.Context, table string) (string, error) {
	const q = `SELECT column_name, data_type, is_nullable
	FROM information_schema.columns
	WHERE table_name = $1
	ORDER BY ordinal_position`
	rows, err := o.gw.Query(ctx, o.blue, q, table)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("table %s not found on %s", table, o.blue.Name)
	}

	pk := ""
	const pkq = `SELECT column_name
	FROM information_schema.key_column_usage
	WHERE table_name = $1 AND constraint_name LIKE '%_pkey'
	LIMIT 1`
	if pkRows, err := o.gw.Query(ctx, o.blue, pkq, table); err == nil && len(pkRows) > 0 {
		pk, _ = pkRows[0]["column_name"].(string)
	}

	defs := make([]string, 0, len(rows))
	for _, row := range rows {
		name, _ := row["column_name"].(string)
		dataType, _ := row["data_type"].(string)
		def := fmt.Sprintf("%s %s", name, dataType)
		if nullable, _ := row["is_nullable"].(string); nullable == "NO" {
			def += " NOT NULL"
		}
		if name == pk {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")), nil
}

// StartReplication establishes the native blue→green channel.
// ReplicationActive flips true only on confirmed existence of the
// primitives; a channel that already exists counts as started.
func (o *Orchestrator) StartReplication(ctx context.Context) error {
	log.Info().Msg("starting replication blue -> green")
	prev := o.currentPhase()
	o.setPhase(PhaseReplicationStarting)
	if err := o.gw.CreateReplicationChannel(ctx, o.blue, o.green); err != nil {
		o.setPhase(prev)
		rerr := &ReplicationSetupError{Err: err}
		log.Error().Err(rerr).Msg("failed to start replication")
		return rerr
	}
	o.mu.Lock()
	o.replicationActive = true
	o.mu.Unlock()
	o.setPhase(PhaseReplicating)
	log.Info().Msg("replication started")
	return nil
}

// StopReplication tears down subscription then publication. Absence of
// either primitive is success, not an error.
func (o *Orchestrator) StopReplication(ctx context.Context) error {
	log.Info().Msg("stopping replication")
	if err := o.gw.DropReplicationChannel(ctx, o.blue, o.green); err != nil {
		log.Error().Err(err).Msg("failed to stop replication")
		return fmt.Errorf("stop replication: %w", err)
	}
	o.mu.Lock()
	o.replicationActive = false
	o.mu.Unlock()
	o.setPhase(PhaseStopped)
	log.Info().Msg("replication stopped")
	return nil
}

// MeasureLag samples replication lag. A source not yet reporting a
// status row yields a zero-valued measurement, not an error; callers
// must not read that as proof of catch-up on the very first sample.
func (o *Orchestrator) MeasureLag(ctx context.Context) gateway.LagMeasurement {
	m, err := o.gw.ReplicationStatus(ctx, o.blue)
	if err != nil {
		log.Warn().Err(err).Msg("could not verify replication lag")
		return gateway.LagMeasurement{}
	}
	if m == nil {
		return gateway.LagMeasurement{}
	}
	o.metrics.ObserveLag(m.LagSeconds)
	return *m
}

// Cutover executes the cutover protocol: set blue read-only, wait for
// replication catch-up, redirect traffic, settle, verify the green
// side is committing. Any failure after blue goes read-only triggers
// an automatic rollback before the failure surfaces, so the source is
// never left stranded read-only with no writable replica.
func (o *Orchestrator) Cutover(ctx context.Context, opts CutoverOptions) error {
	opts.withDefaults()
	if opts.SettleWindow == 0 {
		opts.SettleWindow = o.settle
	}
	attempt := uuid.NewString()
	o.mu.Lock()
	o.attemptID = attempt
	o.mu.Unlock()
	o.setPhase(PhaseCuttingOver)
	log.Info().Str("attempt", attempt).Float64("max_lag_seconds", opts.MaxLagSeconds).Msg("starting cutover to green")

	if err := o.gw.SetReadOnly(ctx, o.blue, true); err != nil {
		return o.failCutover(ctx, err)
	}

	if err := o.waitForCatchup(ctx, opts); err != nil {
		var timeout *CutoverTimeoutError
		if errors.As(err, &timeout) {
			log.Error().Err(timeout).Msg("replication catch-up timeout")
			o.runRollback(ctx)
			return timeout
		}
		return o.failCutover(ctx, err)
	}

	if err := o.director.Redirect(ctx, o.green.Name); err != nil {
		return o.failCutover(ctx, err)
	}
	if !sleepCtx(ctx, opts.SettleWindow) {
		return o.failCutover(ctx, ctx.Err())
	}

	active, err := o.gw.RecentCommitActivity(ctx, o.green)
	if err != nil {
		return o.failCutover(ctx, err)
	}
	if !active {
		if opts.StrictTrafficCheck {
			return o.failCutover(ctx, fmt.Errorf("no commit activity on %s after cutover", o.green.Name))
		}
		// Absence of immediate traffic is not proof of failure.
		log.Warn().Str("endpoint", o.green.Name).Msg("no traffic detected after cutover")
	}

	o.mu.Lock()
	o.cutoverComplete = true
	o.mu.Unlock()
	o.setPhase(PhaseCutover)
	log.Info().Str("attempt", attempt).Msg("cutover to green complete")
	return nil
}

// waitForCatchup polls lag until it drops strictly below the threshold
// or the deadline passes. A nil status row means the source is not yet
// reporting, which is distinct from zero lag: the first absent sample
// never satisfies the gate, a repeat absence after a full poll
// interval does.
func (o *Orchestrator) waitForCatchup(ctx context.Context, opts CutoverOptions) error {
	deadline := time.Now().Add(opts.Timeout)
	sampled := false
	observed := false
	lastLag := 0.0
	for {
		m, err := o.gw.ReplicationStatus(ctx, o.blue)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("could not verify replication lag")
		case m == nil:
			if sampled {
				log.Info().Msg("no replication status reported; treating as caught up")
				return nil
			}
		default:
			observed = true
			lastLag = m.LagSeconds
			o.metrics.ObserveLag(m.LagSeconds)
			if m.LagSeconds < opts.MaxLagSeconds {
				log.Info().Float64("lag_seconds", m.LagSeconds).Msg("replication caught up")
				return nil
			}
			log.Info().Float64("lag_seconds", m.LagSeconds).Msg("waiting for replication")
		}
		sampled = true
		if time.Now().After(deadline) {
			return &CutoverTimeoutError{Timeout: opts.Timeout.String(), LastLag: lastLag, Observed: observed}
		}
		if !sleepCtx(ctx, opts.PollInterval) {
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) failCutover(ctx context.Context, cause error) error {
	log.Error().Err(cause).Msg("cutover failed, initiating rollback to blue")
	o.runRollback(ctx)
	return &CutoverError{Err: cause}
}

// runRollback is the automatic rollback path inside cutover: its own
// failure is logged, never propagated, so it cannot mask the failure
// that triggered it.
func (o *Orchestrator) runRollback(ctx context.Context) {
	if err := o.Rollback(ctx); err != nil {
		log.Error().Err(err).Msg("automatic rollback failed")
	}
}

// Rollback makes blue authoritative again: green read-only, blue
// read-write, traffic redirected back. Safe to call from any state.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	log.Warn().Msg("rolling back to blue database")
	o.setPhase(PhaseRollingBack)
	o.mu.Lock()
	o.cutoverComplete = false
	o.mu.Unlock()

	if err := o.rollbackSteps(ctx); err != nil {
		rerr := &RollbackError{Err: err}
		log.Error().Err(rerr).Msg("rollback failed")
		return rerr
	}
	o.setPhase(PhaseReplicating)
	log.Info().Msg("rollback to blue complete")
	return nil
}

func (o *Orchestrator) rollbackSteps(ctx context.Context) error {
	if err := o.gw.SetReadOnly(ctx, o.green, true); err != nil {
		return err
	}
	if err := o.gw.SetReadOnly(ctx, o.blue, false); err != nil {
		return err
	}
	if err := o.director.Redirect(ctx, o.blue.Name); err != nil {
		return err
	}
	sleepCtx(ctx, o.settle)
	// Best-effort traffic probe, logged only.
	if active, err := o.gw.RecentCommitActivity(ctx, o.blue); err != nil {
		log.Error().Err(err).Msg("failed to verify blue traffic")
	} else if !active {
		log.Warn().Str("endpoint", o.blue.Name).Msg("no traffic detected after rollback")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
