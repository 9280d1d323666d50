// Package lifecycle owns the agent fleet: on-demand spawn, reuse, bounded
// queue drain, idle and age eviction, heartbeat health, and trust-driven
// revocation. The manager is safe for concurrent callers; the active map,
// the queue, and the completed-jobs map each have their own lock so
// submitters and drainers do not contend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/seigyo/internal/agent"
	"github.com/ashita-ai/seigyo/internal/governance"
	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/telemetry"
)

// ErrAgentExists is returned when a spawn reuses an active instance id.
var ErrAgentExists = errors.New("lifecycle: agent id already active")

var meter = telemetry.Meter("seigyo/lifecycle")

// AgentFactory builds agent variants. Satisfied by *agent.Factory.
type AgentFactory interface {
	New(kind model.AgentKind, instanceID string) (agent.Agent, error)
}

// Publisher fans lifecycle events out. Satisfied by *events.Broker.
type Publisher interface {
	Publish(event string, payload any)
}

// Policies are the manager's tunables.
type Policies struct {
	MaxAgentLifetime  time.Duration
	MaxIdle           time.Duration
	MinTrustThreshold float64
	HeartbeatStale    time.Duration
	MaxConcurrentJobs int
	MonitorInterval   time.Duration
}

// DefaultPolicies mirrors the documented defaults.
func DefaultPolicies() Policies {
	return Policies{
		MaxAgentLifetime:  60 * time.Minute,
		MaxIdle:           10 * time.Minute,
		MinTrustThreshold: 0.3,
		HeartbeatStale:    120 * time.Second,
		MaxConcurrentJobs: 5,
		MonitorInterval:   30 * time.Second,
	}
}

// Metrics is the manager's aggregate view. Archived carries final snapshots
// of terminated agents so their stats stay reachable until process end.
type Metrics struct {
	ActiveCount       int                            `json:"active_count"`
	RevokedCount      int                            `json:"revoked_count"`
	ByKind            map[string]int                 `json:"by_kind"`
	TotalJobsExecuted int                            `json:"total_jobs_executed"`
	AverageTrustScore float64                        `json:"average_trust_score"`
	PendingJobs       int                            `json:"pending_jobs"`
	CompletedJobs     int                            `json:"completed_jobs"`
	Archived          map[string]model.AgentSnapshot `json:"archived,omitempty"`
}

// Manager is the agent fleet controller.
type Manager struct {
	factory   AgentFactory
	gateway   governance.Gateway
	publisher Publisher
	policies  Policies
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	active   map[string]agent.Agent
	order    []string // arrival order, drives the reuse scan
	archived map[string]model.AgentSnapshot
	revoked  map[string]string // id -> reason

	queueMu sync.Mutex
	queue   []*model.Job

	jobsMu    sync.Mutex
	completed map[string]model.JobResult
	totalJobs int

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a lifecycle manager. gateway and publisher may be nil.
func New(factory AgentFactory, gateway governance.Gateway, publisher Publisher, policies Policies, logger *slog.Logger) *Manager {
	if policies.MaxConcurrentJobs <= 0 {
		policies.MaxConcurrentJobs = DefaultPolicies().MaxConcurrentJobs
	}
	return &Manager{
		factory:   factory,
		gateway:   gateway,
		publisher: publisher,
		policies:  policies,
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]agent.Agent),
		archived:  make(map[string]model.AgentSnapshot),
		revoked:   make(map[string]string),
		completed: make(map[string]model.JobResult),
	}
}

// Spawn constructs and initializes a new agent, registering it in the
// active map. Unknown kinds fail; initialization failure leaves no state
// behind.
func (m *Manager) Spawn(ctx context.Context, kind model.AgentKind, instanceID string) (model.AgentSnapshot, error) {
	a, err := m.factory.New(kind, instanceID)
	if err != nil {
		return model.AgentSnapshot{}, err
	}

	m.mu.Lock()
	if _, exists := m.active[a.ID()]; exists {
		m.mu.Unlock()
		return model.AgentSnapshot{}, fmt.Errorf("%w: %s", ErrAgentExists, a.ID())
	}
	m.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		a.Terminate(ctx)
		return model.AgentSnapshot{}, fmt.Errorf("lifecycle: spawn %s: %w", kind, err)
	}

	m.mu.Lock()
	if _, exists := m.active[a.ID()]; exists {
		m.mu.Unlock()
		a.Terminate(ctx)
		return model.AgentSnapshot{}, fmt.Errorf("%w: %s", ErrAgentExists, a.ID())
	}
	m.active[a.ID()] = a
	m.order = append(m.order, a.ID())
	m.mu.Unlock()

	snap := a.Status()
	telemetry.Count(ctx, meter, "lifecycle.agents_spawned", 1, attribute.String("kind", string(kind)))
	m.logger.Info("lifecycle: agent spawned", "agent_id", snap.ID, "kind", kind, "trust", snap.TrustScore)
	return snap, nil
}

// claimIdle scans active agents in arrival order for an idle, non-revoked,
// non-stale agent of the kind and atomically claims the first match. The
// scan and the idle->busy flip are one step per agent (TryClaim), so two
// submitters can never win the same agent.
func (m *Manager) claimIdle(kind model.AgentKind) agent.Agent {
	cutoff := m.now().Add(-m.policies.HeartbeatStale)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		a, ok := m.active[id]
		if !ok || a.Kind() != kind {
			continue
		}
		if _, isRevoked := m.revoked[id]; isRevoked {
			continue
		}
		snap := a.Status()
		if snap.State != model.AgentIdle {
			continue
		}
		if m.policies.HeartbeatStale > 0 && snap.LastHeartbeat.Before(cutoff) {
			// Stale heartbeat: leave it for the monitor's health pass.
			continue
		}
		if a.TryClaim() {
			return a
		}
	}
	return nil
}

// ExecuteJob runs one job on an agent of the kind. With reuse set, an idle
// agent is claimed when available and any fresh spawn stays active for later
// callers; without reuse, the agent is spawned for this job alone and
// terminated afterwards. A failing agent whose trust fell below the
// threshold is revoked either way. The result is persisted under the job id
// before returning.
func (m *Manager) ExecuteJob(ctx context.Context, kind model.AgentKind, job *model.Job, reuse bool) (model.JobResult, error) {
	var a agent.Agent

	if reuse {
		a = m.claimIdle(kind)
	}
	// Spawn-and-claim targets the fresh agent by id so a concurrent reuse
	// scan stealing it between the two steps just triggers another spawn;
	// the stolen agent is doing useful work either way.
	for attempt := 0; a == nil; attempt++ {
		if attempt == 3 {
			return model.JobResult{}, fmt.Errorf("lifecycle: could not claim a %s agent after %d spawns", kind, attempt)
		}
		snap, err := m.Spawn(ctx, kind, "")
		if err != nil {
			return model.JobResult{}, err
		}
		m.mu.Lock()
		fresh := m.active[snap.ID]
		m.mu.Unlock()
		if fresh != nil && fresh.TryClaim() {
			a = fresh
		}
	}

	result := a.ExecuteJob(ctx, job)

	m.jobsMu.Lock()
	m.completed[job.ID] = result
	m.totalJobs++
	m.jobsMu.Unlock()

	telemetry.Count(ctx, meter, "lifecycle.jobs_executed", 1, attribute.String("kind", string(kind)))
	if !result.Success {
		telemetry.Count(ctx, meter, "lifecycle.jobs_failed", 1, attribute.String("kind", string(kind)))
	}

	snap := a.Status()
	if !result.Success && snap.TrustScore < m.policies.MinTrustThreshold {
		if err := m.Revoke(ctx, a.ID(), fmt.Sprintf("trust %.3f below threshold %.2f after failed job", snap.TrustScore, m.policies.MinTrustThreshold)); err != nil {
			m.logger.Warn("lifecycle: post-job revocation failed", "agent_id", a.ID(), "error", err)
		}
	} else if !reuse {
		// One-shot request: the agent was spawned for this job alone.
		m.Terminate(ctx, a.ID())
	}

	return result, nil
}

// SubmitJob queues a job for ProcessQueue. FIFO.
func (m *Manager) SubmitJob(kind model.AgentKind, payload map[string]any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %s", agent.ErrUnknownAgentKind, kind)
	}
	job := model.NewJob(kind, payload)
	m.queueMu.Lock()
	m.queue = append(m.queue, job)
	depth := len(m.queue)
	m.queueMu.Unlock()

	m.logger.Info("lifecycle: job queued", "job_id", job.ID, "kind", kind, "queue_depth", depth)
	return job.ID, nil
}

// ProcessQueue drains the queue, running each job as an independent task
// with reuse enabled. Concurrency is bounded: at most maxConcurrent agents
// are busy on queue work at any instant. Blocks until the drained jobs
// finish.
func (m *Manager) ProcessQueue(ctx context.Context, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = m.policies.MaxConcurrentJobs
	}

	m.queueMu.Lock()
	batch := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup
	for _, job := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled: put the rest back, preserving order.
			m.requeue(batch[indexOf(batch, job):])
			wg.Wait()
			return fmt.Errorf("lifecycle: process queue: %w", err)
		}
		wg.Add(1)
		go func(job *model.Job) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := m.ExecuteJob(ctx, job.Kind, job, true); err != nil {
				m.logger.Warn("lifecycle: queued job failed to launch", "job_id", job.ID, "error", err)
				m.jobsMu.Lock()
				m.completed[job.ID] = model.JobResult{
					JobID: job.ID, Kind: job.Kind, Error: err.Error(), FinishedAt: m.now().UTC(),
				}
				m.jobsMu.Unlock()
			}
		}(job)
	}
	wg.Wait()
	m.logger.Info("lifecycle: queue drained", "jobs", len(batch), "max_concurrent", maxConcurrent)
	return nil
}

func (m *Manager) requeue(jobs []*model.Job) {
	if len(jobs) == 0 {
		return
	}
	m.queueMu.Lock()
	m.queue = append(append([]*model.Job(nil), jobs...), m.queue...)
	m.queueMu.Unlock()
}

func indexOf(batch []*model.Job, job *model.Job) int {
	for i, j := range batch {
		if j == job {
			return i
		}
	}
	return len(batch)
}

// Terminate retires the agent: removes it from the active map, waits for a
// running job, and archives its final snapshot. Idempotent; unknown ids are
// a no-op.
func (m *Manager) Terminate(ctx context.Context, id string) {
	m.mu.Lock()
	a, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	a.Terminate(ctx)

	snap := a.Status()
	m.mu.Lock()
	m.archived[id] = snap
	m.mu.Unlock()

	m.logger.Info("lifecycle: agent terminated",
		"agent_id", id, "kind", snap.Kind,
		"jobs_completed", snap.JobsCompleted, "jobs_failed", snap.JobsFailed,
		"trust", snap.TrustScore)
}

// Revoke permanently excludes the agent from reuse, terminates it, and
// submits a high-risk governance event noting the reason. Idempotent on the
// id; the tombstone lives for the rest of the process.
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	if _, already := m.revoked[id]; already {
		m.mu.Unlock()
		return nil
	}
	m.revoked[id] = reason
	m.mu.Unlock()

	m.Terminate(ctx, id)
	telemetry.Count(ctx, meter, "lifecycle.agents_revoked", 1)
	m.logger.Warn("lifecycle: agent revoked", "agent_id", id, "reason", reason)

	if m.gateway != nil {
		m.gateway.Submit(ctx, model.GovernanceUpdate{
			Kind:      "agent_revocation",
			Targets:   []string{id},
			Content:   map[string]any{"reason": reason},
			Risk:      model.RiskHigh,
			CreatedBy: "lifecycle",
		})
	}
	if m.publisher != nil {
		m.publisher.Publish("agent_revoked", map[string]any{"agent_id": id, "reason": reason})
	}
	return nil
}

// Revoked reports whether the id carries a revocation tombstone.
func (m *Manager) Revoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}

// AgentStatus returns the live snapshot for an active agent. False once the
// agent is terminated; archived stats remain in Metrics.
func (m *Manager) AgentStatus(id string) (model.AgentSnapshot, bool) {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return model.AgentSnapshot{}, false
	}
	return a.Status(), true
}

// Agents lists active agents in arrival order.
func (m *Manager) Agents() []model.AgentSnapshot {
	m.mu.Lock()
	agents := make([]agent.Agent, 0, len(m.order))
	for _, id := range m.order {
		if a, ok := m.active[id]; ok {
			agents = append(agents, a)
		}
	}
	m.mu.Unlock()

	out := make([]model.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Status())
	}
	return out
}

// JobResult returns the most recent result recorded for the job id.
func (m *Manager) JobResult(jobID string) (model.JobResult, bool) {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	result, ok := m.completed[jobID]
	return result, ok
}

// Metrics aggregates fleet state.
func (m *Manager) Metrics() Metrics {
	agents := m.Agents()

	m.mu.Lock()
	metrics := Metrics{
		ActiveCount:  len(m.active),
		RevokedCount: len(m.revoked),
		ByKind:       make(map[string]int),
		Archived:     make(map[string]model.AgentSnapshot, len(m.archived)),
	}
	for id, snap := range m.archived {
		metrics.Archived[id] = snap
	}
	m.mu.Unlock()

	var trustSum float64
	for _, snap := range agents {
		metrics.ByKind[string(snap.Kind)]++
		trustSum += snap.TrustScore
	}
	if len(agents) > 0 {
		metrics.AverageTrustScore = trustSum / float64(len(agents))
	}

	m.queueMu.Lock()
	metrics.PendingJobs = len(m.queue)
	m.queueMu.Unlock()

	m.jobsMu.Lock()
	metrics.TotalJobsExecuted = m.totalJobs
	metrics.CompletedJobs = len(m.completed)
	m.jobsMu.Unlock()

	return metrics
}
