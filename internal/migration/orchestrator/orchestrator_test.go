package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgshift/pgshift/internal/migration/gateway"
)

var (
	blueEP  = gateway.Endpoint{Name: "blue", DSN: "host=blue"}
	greenEP = gateway.Endpoint{Name: "green", DSN: "host=green"}
)

// fakeGateway scripts replication lag samples and records every call
// so tests can assert on the exact protocol trace.
type fakeGateway struct {
	mu            sync.Mutex
	calls         []string
	executed      []string
	readOnly      map[string]bool
	channelExists bool
	createCount   int
	dropCount     int
	lagSamples    []float64 // negative value means "no status row"
	lagIdx        int
	statusCalls   int
	activity      map[string]bool
	execErr       error
	queryRows     map[string][]gateway.Row // keyed by SQL fragment
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		readOnly:  map[string]bool{},
		activity:  map[string]bool{"blue": true, "green": true},
		queryRows: map[string][]gateway.Row{},
	}
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeGateway) Execute(_ context.Context, ep gateway.Endpoint, sql string, _ ...any) (int64, error) {
	f.record("execute " + ep.Name)
	if f.execErr != nil {
		return 0, f.execErr
	}
	f.mu.Lock()
	f.executed = append(f.executed, sql)
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeGateway) Query(_ context.Context, ep gateway.Endpoint, sql string, _ ...any) ([]gateway.Row, error) {
	f.record("query " + ep.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	for fragment, rows := range f.queryRows {
		if strings.Contains(sql, fragment) {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *fakeGateway) SetReadOnly(_ context.Context, ep gateway.Endpoint, readOnly bool) error {
	f.record(fmt.Sprintf("set_read_only %s %v", ep.Name, readOnly))
	f.mu.Lock()
	f.readOnly[ep.Name] = readOnly
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) CreateReplicationChannel(_ context.Context, source, _ gateway.Endpoint) error {
	f.record("create_channel " + source.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.channelExists {
		f.channelExists = true
		f.createCount++
	}
	return nil
}

func (f *fakeGateway) DropReplicationChannel(_ context.Context, source, _ gateway.Endpoint) error {
	f.record("drop_channel " + source.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelExists = false
	f.dropCount++
	return nil
}

func (f *fakeGateway) ReplicationStatus(_ context.Context, _ gateway.Endpoint) (*gateway.LagMeasurement, error) {
	f.record("replication_status")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.lagSamples) == 0 {
		return nil, nil
	}
	sample := f.lagSamples[f.lagIdx]
	if f.lagIdx < len(f.lagSamples)-1 {
		f.lagIdx++
	}
	if sample < 0 {
		return nil, nil
	}
	return &gateway.LagMeasurement{LagSeconds: sample}, nil
}

func (f *fakeGateway) RecentCommitActivity(_ context.Context, ep gateway.Endpoint) (bool, error) {
	f.record("commit_activity " + ep.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity[ep.Name], nil
}

type failingDirector struct{ err error }

func (d failingDirector) Redirect(context.Context, string) error { return d.err }

func newTestOrchestrator(f *fakeGateway) *Orchestrator {
	return New(f, blueEP, greenEP, Options{
		Tables:       []string{"users"},
		SettleWindow: time.Millisecond,
	})
}

func fastOptions(maxLag float64) CutoverOptions {
	return CutoverOptions{
		MaxLagSeconds: maxLag,
		Timeout:       2 * time.Second,
		PollInterval:  time.Millisecond,
		SettleWindow:  time.Millisecond,
	}
}

func TestStartReplicationIdempotent(t *testing.T) {
	f := newFakeGateway()
	o := newTestOrchestrator(f)
	ctx := context.Background()

	require.NoError(t, o.StartReplication(ctx))
	assert.True(t, o.Status().ReplicationActive)

	// Second call observes the pre-existing channel; no duplicate
	// native object is created.
	require.NoError(t, o.StartReplication(ctx))
	assert.True(t, o.Status().ReplicationActive)
	assert.Equal(t, 1, f.createCount)
}

func TestStopReplicationIdempotent(t *testing.T) {
	f := newFakeGateway()
	o := newTestOrchestrator(f)
	ctx := context.Background()

	require.NoError(t, o.StartReplication(ctx))
	require.NoError(t, o.StopReplication(ctx))
	assert.False(t, o.Status().ReplicationActive)

	// Already stopped: success, not an error.
	require.NoError(t, o.StopReplication(ctx))
	assert.Equal(t, PhaseStopped, o.Status().Phase)
}

func TestCutoverLagGating(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{5.0, 3.0, 1.2, 1.0, 0.5}
	o := newTestOrchestrator(f)
	ctx := context.Background()

	require.NoError(t, o.Cutover(ctx, fastOptions(1.0)))

	// Strict less-than: the gate opens only at the 0.5 sample, the
	// threshold-equal 1.0 sample must not satisfy it.
	assert.Equal(t, 5, f.statusCalls)
	assert.True(t, o.Status().CutoverComplete)
	assert.True(t, f.readOnly["blue"])
	assert.NotEmpty(t, o.Status().AttemptID)
}

func TestCutoverThresholdEqualLagTimesOut(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{1.0}
	o := newTestOrchestrator(f)

	opts := fastOptions(1.0)
	opts.Timeout = 30 * time.Millisecond
	err := o.Cutover(context.Background(), opts)

	var timeout *CutoverTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.False(t, o.Status().CutoverComplete)
}

func TestCutoverTimeoutRollsBackOnce(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{5.0}
	o := newTestOrchestrator(f)

	opts := fastOptions(1.0)
	opts.Timeout = 30 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	err := o.Cutover(context.Background(), opts)

	var timeout *CutoverTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, f.callCount("set_read_only green true"))
	assert.Equal(t, 1, f.callCount("set_read_only blue false"))
	assert.False(t, f.readOnly["blue"])
	assert.False(t, o.Status().CutoverComplete)
}

func TestCutoverFailureTriggersRollbackBeforeSurfacing(t *testing.T) {
	cause := errors.New("pooler unreachable")
	f := newFakeGateway()
	f.lagSamples = []float64{0.1}
	o := New(f, blueEP, greenEP, Options{
		Director:     failingDirector{err: cause},
		SettleWindow: time.Millisecond,
	})

	err := o.Cutover(context.Background(), fastOptions(1.0))

	var cerr *CutoverError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, cause)
	// Blue was restored to read-write before the failure surfaced.
	assert.Equal(t, 1, f.callCount("set_read_only blue false"))
	assert.False(t, f.readOnly["blue"])
	assert.True(t, f.readOnly["green"])
}

func TestCutoverNoTrafficWarnsButCompletes(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{0.1}
	f.activity["green"] = false
	o := newTestOrchestrator(f)

	require.NoError(t, o.Cutover(context.Background(), fastOptions(1.0)))
	assert.True(t, o.Status().CutoverComplete)
}

func TestCutoverStrictTrafficRollsBack(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{0.1}
	f.activity["green"] = false
	o := newTestOrchestrator(f)

	opts := fastOptions(1.0)
	opts.StrictTrafficCheck = true
	err := o.Cutover(context.Background(), opts)

	var cerr *CutoverError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, f.callCount("set_read_only blue false"))
	assert.False(t, o.Status().CutoverComplete)
}

func TestCutoverAbsentStatusRowNotProofOfCatchup(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{-1, -1}
	o := newTestOrchestrator(f)

	require.NoError(t, o.Cutover(context.Background(), fastOptions(1.0)))
	// The first absent sample must not open the gate on its own.
	assert.GreaterOrEqual(t, f.statusCalls, 2)
}

func TestRollbackSafeFromAnyState(t *testing.T) {
	f := newFakeGateway()
	o := newTestOrchestrator(f)

	require.NoError(t, o.Rollback(context.Background()))
	st := o.Status()
	assert.False(t, st.CutoverComplete)
	assert.True(t, f.readOnly["green"])
	assert.False(t, f.readOnly["blue"])

	// Re-entrant.
	require.NoError(t, o.Rollback(context.Background()))
}

func TestSetupGreenWithSchema(t *testing.T) {
	f := newFakeGateway()
	o := newTestOrchestrator(f)

	require.NoError(t, o.SetupGreen(context.Background(), "CREATE TABLE users (id INT PRIMARY KEY)"))
	require.Len(t, f.executed, 1)
	assert.Contains(t, f.executed[0], "CREATE TABLE users")
	assert.Equal(t, PhaseGreenProvisioning, o.Status().Phase)
}

func TestSetupGreenFailureStaysInitialized(t *testing.T) {
	f := newFakeGateway()
	f.execErr = errors.New("permission denied")
	o := newTestOrchestrator(f)

	err := o.SetupGreen(context.Background(), "CREATE TABLE users (id INT)")
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseInitialized, o.Status().Phase)

	// Fix-and-retry: a later invocation succeeds.
	f.execErr = nil
	require.NoError(t, o.SetupGreen(context.Background(), "CREATE TABLE users (id INT)"))
}

func TestSetupGreenCopiesBlueSchema(t *testing.T) {
	f := newFakeGateway()
	f.queryRows["information_schema.columns"] = []gateway.Row{
		{"column_name": "id", "data_type": "integer", "is_nullable": "NO"},
		{"column_name": "email", "data_type": "text", "is_nullable": "YES"},
	}
	f.queryRows["key_column_usage"] = []gateway.Row{{"column_name": "id"}}
	o := newTestOrchestrator(f)

	require.NoError(t, o.SetupGreen(context.Background(), ""))
	require.Len(t, f.executed, 1)
	assert.Contains(t, f.executed[0], "CREATE TABLE IF NOT EXISTS users")
	assert.Contains(t, f.executed[0], "id integer NOT NULL PRIMARY KEY")
	assert.Contains(t, f.executed[0], "email text")
}

func TestMeasureLagAbsentStatus(t *testing.T) {
	f := newFakeGateway()
	o := newTestOrchestrator(f)

	m := o.MeasureLag(context.Background())
	assert.Zero(t, m.LagSeconds)
	assert.Zero(t, m.LagBytes)
}

func TestEndToEndCutover(t *testing.T) {
	f := newFakeGateway()
	f.lagSamples = []float64{3.0, 2.0, 0.5}
	o := newTestOrchestrator(f)
	ctx := context.Background()

	require.NoError(t, o.SetupGreen(ctx, "CREATE TABLE users (id INT PRIMARY KEY)"))
	require.NoError(t, o.StartReplication(ctx))
	assert.True(t, o.Status().ReplicationActive)

	require.NoError(t, o.Cutover(ctx, fastOptions(1.0)))
	assert.LessOrEqual(t, f.statusCalls, 5)

	st := o.Status()
	assert.True(t, st.CutoverComplete)
	assert.Equal(t, PhaseCutover, st.Phase)
	assert.False(t, st.Timestamp.IsZero())
}
