// Package agent implements the worker runtime: a state machine over
// initializing -> idle <-> busy -> offline with heartbeats, per-agent trust,
// and kind-specific job execution. Agents are short-lived; the lifecycle
// manager owns spawning, reuse, and retirement.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/seigyo/internal/model"
)

// ErrUnknownAgentKind is returned when a factory is asked for a kind it
// cannot build.
var ErrUnknownAgentKind = errors.New("agent: unknown agent kind")

// Agent is the lifecycle contract every variant satisfies.
type Agent interface {
	ID() string
	Kind() model.AgentKind

	// Initialize registers the agent, derives initial trust, and moves it
	// from initializing to idle. Manifest registration failure is non-fatal.
	Initialize(ctx context.Context) error

	// TryClaim atomically flips idle to busy, reserving the agent for one
	// job. Reuse scans and fresh spawns both claim before executing so two
	// submitters can never own the same agent.
	TryClaim() bool

	// ExecuteJob runs the claimed job. Errors never crash the agent; they
	// come back as a failed result and feed the trust EMA.
	ExecuteJob(ctx context.Context, job *model.Job) model.JobResult

	// Heartbeat refreshes the liveness timestamp.
	Heartbeat()

	// Terminate moves the agent to offline. It blocks until any running job
	// finishes; offline is terminal.
	Terminate(ctx context.Context)

	Status() model.AgentSnapshot
}

// execFunc is the kind-specific job body a variant plugs into BaseAgent.
type execFunc func(ctx context.Context, job *model.Job) (any, error)

// BaseAgent carries the shared state machine. Variants embed it and supply
// exec.
type BaseAgent struct {
	id           string
	kind         model.AgentKind
	name         string
	mission      string
	capabilities []string
	constraints  model.Constraints
	manifest     ManifestRegistrar
	logger       *slog.Logger
	exec         execFunc
	now          func() time.Time

	mu            sync.Mutex
	idle          *sync.Cond
	state         model.AgentState
	currentJobID  string
	jobsCompleted int
	jobsFailed    int
	trust         float64
	spawnedAt     time.Time
	lastHeartbeat time.Time
	lastJobAt     *time.Time
}

func newBase(kind model.AgentKind, instanceID, name, mission string, capabilities []string, constraints model.Constraints, manifest ManifestRegistrar, logger *slog.Logger, exec execFunc) *BaseAgent {
	if instanceID == "" {
		instanceID = string(kind) + "-" + uuid.New().String()[:8]
	}
	a := &BaseAgent{
		id:           instanceID,
		kind:         kind,
		name:         name,
		mission:      mission,
		capabilities: capabilities,
		constraints:  constraints,
		manifest:     manifest,
		logger:       logger,
		exec:         exec,
		now:          time.Now,
		state:        model.AgentInitializing,
	}
	a.idle = sync.NewCond(&a.mu)
	return a
}

// ID returns the agent's instance id.
func (a *BaseAgent) ID() string { return a.id }

// Kind returns the agent's variant kind.
func (a *BaseAgent) Kind() model.AgentKind { return a.kind }

// Initialize derives initial trust, registers with the external manifest
// (best-effort), and transitions to idle.
func (a *BaseAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != model.AgentInitializing {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent: initialize %s: state %s is not initializing", a.id, state)
	}
	now := a.now().UTC()
	a.trust = model.InitialTrust(a.kind, a.capabilities, a.constraints)
	a.spawnedAt = now
	a.lastHeartbeat = now
	a.state = model.AgentIdle
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	if a.manifest != nil {
		if err := a.manifest.Register(ctx, snapshot); err != nil {
			a.logger.Warn("agent: manifest registration failed", "agent_id", a.id, "error", err)
		}
	}
	a.logger.Info("agent: initialized", "agent_id", a.id, "kind", a.kind, "trust", snapshot.TrustScore)
	return nil
}

// TryClaim atomically reserves an idle agent.
func (a *BaseAgent) TryClaim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != model.AgentIdle {
		return false
	}
	a.state = model.AgentBusy
	return true
}

// ExecuteJob runs the job on a claimed agent, updates counters and trust,
// and releases the claim. The job must be claimed via TryClaim first; an
// unclaimed idle agent is claimed on entry so direct callers keep working.
func (a *BaseAgent) ExecuteJob(ctx context.Context, job *model.Job) model.JobResult {
	start := a.now()

	a.mu.Lock()
	if a.state == model.AgentIdle {
		a.state = model.AgentBusy
	}
	if a.state != model.AgentBusy {
		state := a.state
		a.mu.Unlock()
		return model.JobResult{
			JobID: job.ID, AgentID: a.id, Kind: a.kind,
			Error:      fmt.Sprintf("agent %s cannot execute in state %s", a.id, state),
			FinishedAt: a.now().UTC(),
		}
	}
	if a.currentJobID != "" {
		current := a.currentJobID
		a.mu.Unlock()
		return model.JobResult{
			JobID: job.ID, AgentID: a.id, Kind: a.kind,
			Error:      fmt.Sprintf("agent %s already owns job %s", a.id, current),
			FinishedAt: a.now().UTC(),
		}
	}
	a.currentJobID = job.ID
	job.State = model.JobRunning
	a.mu.Unlock()

	value, err := a.exec(ctx, job)
	finished := a.now()

	a.mu.Lock()
	if err != nil {
		a.jobsFailed++
		job.State = model.JobFailed
	} else {
		a.jobsCompleted++
		job.State = model.JobCompleted
	}
	successRate := float64(a.jobsCompleted) / float64(a.jobsCompleted+a.jobsFailed)
	a.trust = model.UpdateTrustEMA(a.trust, successRate)
	jobAt := finished.UTC()
	a.lastJobAt = &jobAt
	a.lastHeartbeat = jobAt
	a.currentJobID = ""
	a.state = model.AgentIdle
	trust := a.trust
	a.idle.Broadcast()
	a.mu.Unlock()

	result := model.JobResult{
		JobID:      job.ID,
		Success:    err == nil,
		Result:     value,
		DurationMS: finished.Sub(start).Milliseconds(),
		AgentID:    a.id,
		Kind:       a.kind,
		FinishedAt: jobAt,
	}
	if err != nil {
		result.Error = err.Error()
		a.logger.Warn("agent: job failed", "agent_id", a.id, "job_id", job.ID, "trust", trust, "error", err)
	} else {
		a.logger.Info("agent: job completed", "agent_id", a.id, "job_id", job.ID, "duration_ms", result.DurationMS, "trust", trust)
	}
	return result
}

// Heartbeat refreshes liveness. No-op once offline.
func (a *BaseAgent) Heartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == model.AgentOffline {
		return
	}
	a.lastHeartbeat = a.now().UTC()
}

// Terminate transitions the agent to offline, waiting for a running job to
// finish first. Idempotent.
func (a *BaseAgent) Terminate(ctx context.Context) {
	a.mu.Lock()
	for a.state == model.AgentBusy {
		a.idle.Wait()
	}
	if a.state == model.AgentOffline {
		a.mu.Unlock()
		return
	}
	a.state = model.AgentOffline
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	if a.manifest != nil {
		if err := a.manifest.Deregister(ctx, a.id); err != nil {
			a.logger.Warn("agent: manifest deregistration failed", "agent_id", a.id, "error", err)
		}
	}
	a.logger.Info("agent: terminated",
		"agent_id", a.id, "kind", a.kind,
		"jobs_completed", snapshot.JobsCompleted, "jobs_failed", snapshot.JobsFailed,
		"trust", snapshot.TrustScore)
}

// Status returns a point-in-time snapshot.
func (a *BaseAgent) Status() model.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *BaseAgent) snapshotLocked() model.AgentSnapshot {
	snap := model.AgentSnapshot{
		ID:            a.id,
		Kind:          a.kind,
		Name:          a.name,
		Mission:       a.mission,
		Capabilities:  append([]string(nil), a.capabilities...),
		Constraints:   a.constraints,
		State:         a.state,
		CurrentJobID:  a.currentJobID,
		JobsCompleted: a.jobsCompleted,
		JobsFailed:    a.jobsFailed,
		TrustScore:    a.trust,
		SpawnedAt:     a.spawnedAt,
		LastHeartbeat: a.lastHeartbeat,
	}
	if a.lastJobAt != nil {
		jobAt := *a.lastJobAt
		snap.LastJobAt = &jobAt
	}
	return snap
}
