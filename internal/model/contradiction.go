package model

import (
	"time"
)

// Severity grades contradictions and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank returns the numeric rank of a severity (higher = worse).
// Only relative ordering matters.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ContradictionMethod selects the rule algorithm.
type ContradictionMethod string

const (
	MethodSimilarity          ContradictionMethod = "similarity"
	MethodTemporalConsistency ContradictionMethod = "temporal_consistency"
	MethodActionConflict      ContradictionMethod = "action_conflict"
)

// ContradictionRecord is evidence of inconsistency between rows, produced by
// rule evaluation and consumed by the alert system and the trust engine.
type ContradictionRecord struct {
	ID         string    `json:"id"`
	RuleName   string    `json:"rule_name"`
	Table      string    `json:"table"`
	Method     ContradictionMethod `json:"method"`
	Severity   Severity  `json:"severity"`
	RowIDs     []string  `json:"row_ids"`
	Details    string    `json:"details"`
	DetectedAt time.Time `json:"detected_at"`
}

// Involves reports whether the record references the given row ID.
func (c ContradictionRecord) Involves(rowID string) bool {
	for _, id := range c.RowIDs {
		if id == rowID {
			return true
		}
	}
	return false
}

// ContradictionSummary aggregates detection results across tables.
type ContradictionSummary struct {
	ByTable       map[string]int `json:"by_table"`
	BySeverity    map[string]int `json:"by_severity"`
	CriticalCount int            `json:"critical_count"`
	Total         int            `json:"total"`
}
