package model

import (
	"time"
)

// AgentKind identifies an agent variant.
type AgentKind string

const (
	KindSchemaInference     AgentKind = "schema_inference"
	KindIngestion           AgentKind = "ingestion"
	KindCrossDomainLearning AgentKind = "cross_domain_learning"
	KindOrchestrator        AgentKind = "orchestrator"
)

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	switch k {
	case KindSchemaInference, KindIngestion, KindCrossDomainLearning, KindOrchestrator:
		return true
	}
	return false
}

// AgentState is the lifecycle state of an agent instance.
// Transitions: initializing -> idle <-> busy -> offline. Offline is terminal.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentIdle         AgentState = "idle"
	AgentBusy         AgentState = "busy"
	AgentOffline      AgentState = "offline"
)

// Constraints bound what an agent may do. Initial trust is derived from them.
type Constraints struct {
	ReadOnly         bool     `json:"read_only"`
	RequiresApproval bool     `json:"requires_approval"`
	MaxFileSizeMB    int      `json:"max_file_size_mb,omitempty"`
	AllowedFormats   []string `json:"allowed_formats,omitempty"`
}

// AgentSnapshot is a point-in-time view of an agent, safe to serialize.
type AgentSnapshot struct {
	ID            string      `json:"id"`
	Kind          AgentKind   `json:"kind"`
	Name          string      `json:"name"`
	Mission       string      `json:"mission"`
	Capabilities  []string    `json:"capabilities"`
	Constraints   Constraints `json:"constraints"`
	State         AgentState  `json:"state"`
	CurrentJobID  string      `json:"current_job_id,omitempty"`
	JobsCompleted int         `json:"jobs_completed"`
	JobsFailed    int         `json:"jobs_failed"`
	TrustScore    float64     `json:"trust_score"`
	SpawnedAt     time.Time   `json:"spawned_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat_at"`
	LastJobAt     *time.Time  `json:"last_job_at,omitempty"`
}

// SuccessRate returns completed / (completed + failed), or 0 with no jobs.
func (s AgentSnapshot) SuccessRate() float64 {
	total := s.JobsCompleted + s.JobsFailed
	if total == 0 {
		return 0
	}
	return float64(s.JobsCompleted) / float64(total)
}

// InitialTrust derives an agent's starting trust score from its shape.
// Neutral baseline 0.5; bounded constraints and a narrow capability set
// raise it, orchestration lowers it. Result is clamped to [0,1].
func InitialTrust(kind AgentKind, capabilities []string, c Constraints) float64 {
	trust := 0.5
	if c.ReadOnly {
		trust += 0.10
	}
	if c.RequiresApproval {
		trust += 0.10
	}
	if c.MaxFileSizeMB > 0 {
		trust += 0.05
	}
	if len(capabilities) <= 3 {
		trust += 0.10
	}
	if kind == KindOrchestrator {
		trust -= 0.10
	}
	return ClampScore(trust)
}

// UpdateTrustEMA folds the latest success rate into the current trust score:
// trust <- 0.7*successRate + 0.3*trust.
func UpdateTrustEMA(current, successRate float64) float64 {
	return ClampScore(0.7*successRate + 0.3*current)
}

// ClampScore clamps v to [0,1]. NaN clamps to 0 so it can never be persisted.
func ClampScore(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
