package model

import (
	"time"
)

// ProposalKind classifies a governed mutation.
type ProposalKind string

const (
	ProposalInsertRow   ProposalKind = "insert_row"
	ProposalExtendTable ProposalKind = "extend_table"
	ProposalCreateTable ProposalKind = "create_table"
)

// ProposalState tracks a proposal through the governance pipeline.
// Terminal on decision.
type ProposalState string

const (
	ProposalPending      ProposalState = "pending"
	ProposalApproved     ProposalState = "approved"
	ProposalRejected     ProposalState = "rejected"
	ProposalAutoApproved ProposalState = "auto_approved"
)

// RiskLevel classifies a governed update for routing.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFromConfidence derives the governance risk tier from proposal
// confidence: >=0.9 low, >=0.7 medium, otherwise high.
func RiskFromConfidence(confidence float64) RiskLevel {
	switch {
	case confidence >= 0.9:
		return RiskLow
	case confidence >= 0.7:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// SchemaProposal is a request to mutate schema or insert a row, created by
// the pipeline and decided by the governance gateway.
type SchemaProposal struct {
	ID          string         `json:"id"`
	Kind        ProposalKind   `json:"kind"`
	TargetTable string         `json:"target_table"`
	Payload     map[string]any `json:"payload"`
	Confidence  float64        `json:"confidence"`
	Reasoning   string         `json:"reasoning"`
	SourceRef   string         `json:"source_ref"`
	State       ProposalState  `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// GovernanceUpdate is the request submitted to the governance gateway.
type GovernanceUpdate struct {
	Kind      string         `json:"kind"`
	Targets   []string       `json:"targets"`
	Content   map[string]any `json:"content"`
	Risk      RiskLevel      `json:"risk"`
	CreatedBy string         `json:"created_by"`
}

// GovernanceDecision is the normalized gateway response. The gateway may
// answer with a rich object or a bare correlation string; the adapter folds
// both into this shape with a conservative default of pending.
type GovernanceDecision struct {
	UpdateID string `json:"update_id"`
	Approved bool   `json:"approved"`
	Pending  bool   `json:"pending"`
	Reason   string `json:"reason,omitempty"`
}
