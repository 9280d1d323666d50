package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the execution state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a unit of work executed by an agent.
type Job struct {
	ID          string         `json:"id"`
	Kind        AgentKind      `json:"kind"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt time.Time      `json:"submitted_at"`
	State       JobState       `json:"state"`
}

// NewJob creates a queued job with a fresh ID.
func NewJob(kind AgentKind, payload map[string]any) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
		State:       JobQueued,
	}
}

// JobResult records the outcome of the most recent attempt at a job.
type JobResult struct {
	JobID      string         `json:"job_id"`
	Success    bool           `json:"success"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	AgentID    string         `json:"agent_id"`
	Kind       AgentKind      `json:"kind"`
	FinishedAt time.Time      `json:"finished_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
