// Package model defines the domain types shared across the control plane:
// dynamic rows, agents, jobs, proposals, contradictions, alerts, and the
// API error envelope.
package model

import (
	"time"
)

// Row is a dynamically typed record conforming to a table definition.
// Values are keyed by field name; the schema registry validates shape on
// insert and ignores unknown columns on read.
type Row map[string]any

// Standard columns present on every table regardless of definition.
const (
	ColumnTrustScore      = "trust_score"
	ColumnGovernanceStamp = "governance_stamp"
	ColumnCreatedAt       = "created_at"
)

// TrustScore returns the row's trust score, or 0 if unset.
func (r Row) TrustScore() float64 {
	switch v := r[ColumnTrustScore].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String returns the named value as a string, or "" when absent or not a string.
func (r Row) String(field string) string {
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// Time returns the named value as a time, accepting time.Time or RFC3339 strings.
func (r Row) Time(field string) (time.Time, bool) {
	switch v := r[field].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Float returns the named value as a float64 where the stored representation
// allows it.
func (r Row) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
