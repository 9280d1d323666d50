package model

import (
	"time"
)

// APIResponse is the standard success response envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Code is drawn from the error taxonomy
// below; Details carries structured context such as violating field names.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error code constants, one per taxonomy kind.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"  // malformed IDs, unknown kinds
	ErrCodeValidation    = "VALIDATION"     // row fails schema
	ErrCodeNotFound      = "NOT_FOUND"      // unknown table, agent, job
	ErrCodeCapacity      = "CAPACITY"       // queue full, concurrency cap
	ErrCodeDependency    = "DEPENDENCY"     // storage or gateway unreachable
	ErrCodeInternalError = "INTERNAL_ERROR" // everything else
)

// SpawnRequest is the body for POST /agent-lifecycle/spawn.
type SpawnRequest struct {
	Kind       AgentKind `json:"kind"`
	InstanceID string    `json:"instance_id,omitempty"`
}

// ExecuteJobRequest is the body for POST /agent-lifecycle/execute-job.
type ExecuteJobRequest struct {
	Kind  AgentKind      `json:"kind"`
	Job   map[string]any `json:"job"`
	Reuse bool           `json:"reuse,omitempty"`
}

// SubmitJobRequest is the body for POST /agent-lifecycle/submit-job.
type SubmitJobRequest struct {
	Kind AgentKind      `json:"kind"`
	Job  map[string]any `json:"job"`
}

// RevokeRequest is the body for POST /agent-lifecycle/revoke.
type RevokeRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// InsertRowRequest is the body for POST /memory/tables/{name}/rows.
type InsertRowRequest struct {
	Data Row `json:"data"`
}

// UpdateRowRequest is the body for PATCH /memory/tables/{name}/rows/{id}.
type UpdateRowRequest struct {
	Updates Row `json:"updates"`
}

// AnalyzeRequest is the body for POST /memory/tables/analyze.
type AnalyzeRequest struct {
	FilePath string `json:"file_path"`
}

// StartIngestRequest is the body for POST /auto-ingest/start.
type StartIngestRequest struct {
	Folders            []string `json:"folders,omitempty"`
	AutoApproveLowRisk *bool    `json:"auto_approve_low_risk,omitempty"`
}

// ApproveRequest is the body for POST /auto-ingest/approve.
type ApproveRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// TableInfo summarizes one registered table for GET /memory/tables.
type TableInfo struct {
	Name        string `json:"name"`
	FieldCount  int    `json:"field_count"`
	Description string `json:"description"`
}
