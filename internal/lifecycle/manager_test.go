package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/seigyo/internal/agent"
	"github.com/ashita-ai/seigyo/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAgent implements agent.Agent with the same idle/busy discipline as the
// real base agent, plus a pluggable job body.
type fakeAgent struct {
	mu        sync.Mutex
	id        string
	kind      model.AgentKind
	state     model.AgentState
	trust     float64
	completed int
	failed    int
	spawned   time.Time
	heartbeat time.Time
	lastJob   *time.Time

	exec func(ctx context.Context, job *model.Job) (any, error)
}

func (a *fakeAgent) ID() string            { return a.id }
func (a *fakeAgent) Kind() model.AgentKind { return a.kind }

func (a *fakeAgent) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = model.AgentIdle
	a.spawned = time.Now()
	a.heartbeat = time.Now()
	if a.trust == 0 {
		a.trust = 0.75
	}
	return nil
}

func (a *fakeAgent) TryClaim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != model.AgentIdle {
		return false
	}
	a.state = model.AgentBusy
	return true
}

func (a *fakeAgent) ExecuteJob(ctx context.Context, job *model.Job) model.JobResult {
	var (
		out any
		err error
	)
	if a.exec != nil {
		out, err = a.exec(ctx, job)
	}

	a.mu.Lock()
	if err != nil {
		a.failed++
	} else {
		a.completed++
	}
	rate := float64(a.completed) / float64(a.completed+a.failed)
	a.trust = model.UpdateTrustEMA(a.trust, rate)
	now := time.Now()
	a.lastJob = &now
	a.state = model.AgentIdle
	a.mu.Unlock()

	result := model.JobResult{JobID: job.ID, Kind: a.kind, AgentID: a.id, FinishedAt: time.Now()}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Result = out
	}
	return result
}

func (a *fakeAgent) Heartbeat() {
	a.mu.Lock()
	a.heartbeat = time.Now()
	a.mu.Unlock()
}

func (a *fakeAgent) Terminate(context.Context) {
	a.mu.Lock()
	a.state = model.AgentOffline
	a.mu.Unlock()
}

func (a *fakeAgent) Status() model.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.AgentSnapshot{
		ID: a.id, Kind: a.kind, State: a.state,
		JobsCompleted: a.completed, JobsFailed: a.failed,
		TrustScore: a.trust, SpawnedAt: a.spawned,
		LastHeartbeat: a.heartbeat, LastJobAt: a.lastJob,
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	serial  int
	exec    func(ctx context.Context, job *model.Job) (any, error)
	spawned []*fakeAgent
}

func (f *fakeFactory) New(kind model.AgentKind, instanceID string) (agent.Agent, error) {
	switch kind {
	case model.KindSchemaInference, model.KindIngestion, model.KindCrossDomainLearning:
	default:
		return nil, agent.ErrUnknownAgentKind
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial++
	id := instanceID
	if id == "" {
		id = string(kind) + "-" + string(rune('a'+f.serial-1))
	}
	a := &fakeAgent{id: id, kind: kind, exec: f.exec}
	f.spawned = append(f.spawned, a)
	return a, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	updates []model.GovernanceUpdate
}

func (g *fakeGateway) Submit(_ context.Context, u model.GovernanceUpdate) model.GovernanceDecision {
	g.mu.Lock()
	g.updates = append(g.updates, u)
	g.mu.Unlock()
	return model.GovernanceDecision{UpdateID: "gov-1", Pending: true}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(event string, _ any) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func newTestManager(factory *fakeFactory) (*Manager, *fakeGateway, *fakePublisher) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	return New(factory, gw, pub, DefaultPolicies(), testLogger()), gw, pub
}

func TestSpawnRegistersAgent(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})

	snap, err := m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	require.NoError(t, err)
	assert.Equal(t, "ing-1", snap.ID)
	assert.Equal(t, model.AgentIdle, snap.State)

	_, err = m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	assert.ErrorIs(t, err, ErrAgentExists)

	_, err = m.Spawn(context.Background(), model.AgentKind("nope"), "")
	assert.ErrorIs(t, err, agent.ErrUnknownAgentKind)

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.ActiveCount)
	assert.Equal(t, 1, metrics.ByKind["ingestion"])
}

func TestExecuteJobReusesIdleAgent(t *testing.T) {
	factory := &fakeFactory{}
	m, _, _ := newTestManager(factory)

	first, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)

	assert.Equal(t, first.AgentID, second.AgentID, "reuse must pick the existing idle agent")
	assert.Len(t, factory.spawned, 1)
	assert.Equal(t, 1, m.Metrics().ActiveCount)
}

func TestExecuteJobWithoutReuseTerminatesFreshAgent(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})

	result, err := m.ExecuteJob(context.Background(), model.KindSchemaInference, model.NewJob(model.KindSchemaInference, nil), false)
	require.NoError(t, err)
	require.True(t, result.Success)

	metrics := m.Metrics()
	assert.Equal(t, 0, metrics.ActiveCount, "one-shot agents are retired after the job")
	require.Len(t, metrics.Archived, 1)
	for _, snap := range metrics.Archived {
		assert.Equal(t, model.AgentOffline, snap.State)
		assert.Equal(t, 1, snap.JobsCompleted)
	}
}

func TestJobResultPersisted(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})

	job := model.NewJob(model.KindIngestion, nil)
	_, err := m.ExecuteJob(context.Background(), model.KindIngestion, job, true)
	require.NoError(t, err)

	stored, ok := m.JobResult(job.ID)
	require.True(t, ok)
	assert.True(t, stored.Success)
	assert.Equal(t, job.ID, stored.JobID)

	_, ok = m.JobResult("missing")
	assert.False(t, ok)
}

func TestRevokedAgentIsNeverReused(t *testing.T) {
	factory := &fakeFactory{}
	m, gw, pub := newTestManager(factory)

	snap, err := m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(context.Background(), snap.ID, "manual revocation"))
	assert.True(t, m.Revoked(snap.ID))

	// Idempotent: a second revoke produces no second governance update.
	require.NoError(t, m.Revoke(context.Background(), snap.ID, "again"))
	require.Len(t, gw.updates, 1)
	assert.Equal(t, "agent_revocation", gw.updates[0].Kind)
	assert.Equal(t, model.RiskHigh, gw.updates[0].Risk)
	assert.Equal(t, []string{snap.ID}, gw.updates[0].Targets)
	assert.Contains(t, pub.events, "agent_revoked")

	result, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, result.AgentID, "revoked ids must not serve jobs")
	assert.Equal(t, 1, m.Metrics().RevokedCount)
}

func TestFailingLowTrustAgentIsRevoked(t *testing.T) {
	factory := &fakeFactory{exec: func(context.Context, *model.Job) (any, error) {
		return nil, errors.New("always fails")
	}}
	m, gw, _ := newTestManager(factory)

	snap, err := m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	require.NoError(t, err)

	// A failure folds success rate 0 into the EMA: 0.3*0.75 = 0.225 < 0.3.
	result, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)
	assert.False(t, result.Success)

	assert.True(t, m.Revoked(snap.ID))
	require.Len(t, gw.updates, 1)
	assert.Contains(t, gw.updates[0].Content["reason"], "below threshold")
	_, active := m.AgentStatus(snap.ID)
	assert.False(t, active)
}

func TestSubmitAndProcessQueue(t *testing.T) {
	var busy, peak atomic.Int32
	factory := &fakeFactory{exec: func(context.Context, *model.Job) (any, error) {
		n := busy.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		busy.Add(-1)
		return nil, nil
	}}
	m, _, _ := newTestManager(factory)

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := m.SubmitJob(model.KindIngestion, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 10, m.Metrics().PendingJobs)

	require.NoError(t, m.ProcessQueue(context.Background(), 3))

	assert.LessOrEqual(t, peak.Load(), int32(3), "busy count must never exceed the cap")
	assert.Equal(t, 0, m.Metrics().PendingJobs)
	for _, id := range ids {
		result, ok := m.JobResult(id)
		require.True(t, ok, "every queued job must have a result")
		assert.True(t, result.Success)
	}
	assert.Less(t, len(factory.spawned), 10, "drain reuses idle agents instead of spawning per job")
}

func TestProcessQueueSerialWhenCapIsOne(t *testing.T) {
	var busy, peak atomic.Int32
	factory := &fakeFactory{exec: func(context.Context, *model.Job) (any, error) {
		n := busy.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		busy.Add(-1)
		return nil, nil
	}}
	m, _, _ := newTestManager(factory)

	for i := 0; i < 5; i++ {
		_, err := m.SubmitJob(model.KindIngestion, nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.ProcessQueue(context.Background(), 1))
	assert.Equal(t, int32(1), peak.Load(), "cap 1 means strictly serial execution")
}

func TestProcessQueueEmptyIsNoop(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})
	require.NoError(t, m.ProcessQueue(context.Background(), 3))
}

func TestTerminateArchivesMetrics(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})

	snap, err := m.Spawn(context.Background(), model.KindCrossDomainLearning, "cdl-1")
	require.NoError(t, err)

	m.Terminate(context.Background(), snap.ID)
	m.Terminate(context.Background(), snap.ID) // idempotent
	m.Terminate(context.Background(), "never-existed")

	_, active := m.AgentStatus(snap.ID)
	assert.False(t, active)

	metrics := m.Metrics()
	assert.Equal(t, 0, metrics.ActiveCount)
	archived, ok := metrics.Archived[snap.ID]
	require.True(t, ok, "terminated agent stats stay reachable")
	assert.Equal(t, model.AgentOffline, archived.State)
}

func TestMonitorPassEvictsIdleAndExpiredAgents(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})

	idle, err := m.Spawn(context.Background(), model.KindIngestion, "idle-1")
	require.NoError(t, err)
	fresh, err := m.Spawn(context.Background(), model.KindIngestion, "fresh-1")
	require.NoError(t, err)

	// Move the manager clock past max idle but inside max lifetime. The
	// fresh agent survives because a recent job keeps its idle window open.
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	recent := time.Now().Add(10*time.Minute + 30*time.Second)
	m.mu.Lock()
	m.active[fresh.ID].(*fakeAgent).lastJob = &recent
	m.mu.Unlock()

	require.NoError(t, m.monitorPass(context.Background()))

	_, idleActive := m.AgentStatus(idle.ID)
	assert.False(t, idleActive, "agent idle past the window is evicted")
	_, freshActive := m.AgentStatus(fresh.ID)
	assert.True(t, freshActive, "recently used agent survives the pass")
}

func TestMonitorPassRevokesLowTrustAgent(t *testing.T) {
	factory := &fakeFactory{}
	m, gw, _ := newTestManager(factory)

	snap, err := m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	require.NoError(t, err)

	m.mu.Lock()
	m.active[snap.ID].(*fakeAgent).trust = 0.1
	m.mu.Unlock()

	require.NoError(t, m.monitorPass(context.Background()))

	assert.True(t, m.Revoked(snap.ID))
	require.Len(t, gw.updates, 1)
}

func TestStaleHeartbeatAgentSkippedOnReuse(t *testing.T) {
	factory := &fakeFactory{}
	m, _, _ := newTestManager(factory)

	stale, err := m.Spawn(context.Background(), model.KindIngestion, "stale-1")
	require.NoError(t, err)

	old := time.Now().Add(-5 * time.Minute)
	m.mu.Lock()
	m.active[stale.ID].(*fakeAgent).heartbeat = old
	m.mu.Unlock()

	result, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, result.AgentID, "stale-heartbeat agents are left for the monitor")
}

func TestFleetCountersRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	factory := &fakeFactory{exec: func(context.Context, *model.Job) (any, error) {
		return nil, errors.New("boom")
	}}
	m, _, _ := newTestManager(factory)

	snap, err := m.Spawn(context.Background(), model.KindIngestion, "ing-1")
	require.NoError(t, err)

	// The failing job drops trust below the threshold and triggers a revoke.
	result, err := m.ExecuteJob(context.Background(), model.KindIngestion, model.NewJob(model.KindIngestion, nil), true)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, m.Revoked(snap.ID))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	got := counterValues(rm)
	assert.Equal(t, int64(1), got["lifecycle.agents_spawned"])
	assert.Equal(t, int64(1), got["lifecycle.jobs_executed"])
	assert.Equal(t, int64(1), got["lifecycle.jobs_failed"])
	assert.Equal(t, int64(1), got["lifecycle.agents_revoked"])
}

func counterValues(rm metricdata.ResourceMetrics) map[string]int64 {
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mtr := range sm.Metrics {
			sum, ok := mtr.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[mtr.Name] += dp.Value
			}
		}
	}
	return out
}

func TestStartStopMonitoring(t *testing.T) {
	m, _, _ := newTestManager(&fakeFactory{})
	m.policies.MonitorInterval = 5 * time.Millisecond

	m.StartMonitoring(context.Background())
	assert.True(t, m.Monitoring())
	m.StartMonitoring(context.Background()) // second start is a no-op

	time.Sleep(20 * time.Millisecond)

	m.StopMonitoring()
	assert.False(t, m.Monitoring())
	m.StopMonitoring() // idempotent
}
