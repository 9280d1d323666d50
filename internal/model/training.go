package model

import (
	"time"
)

// TrainingPolicy decides when ingestion volume on a table should trigger a
// training fan-out for downstream learners.
type TrainingPolicy struct {
	RowThreshold       int    `json:"row_threshold" yaml:"row_threshold"`
	TimeThresholdHours int    `json:"time_threshold_hours" yaml:"time_threshold_hours"`
	MinRows            int    `json:"min_rows" yaml:"min_rows"`
	TrainingType       string `json:"training_type" yaml:"training_type"`
}

// TrainingCounter is the persisted per-table ingestion counter.
type TrainingCounter struct {
	Table          string     `json:"table"`
	NewRows        int        `json:"new_rows_since_last_training"`
	LastTrainingAt *time.Time `json:"last_training_at,omitempty"`
}

// TrainingEvent is published when a table crosses its training policy.
// Fan-out is fire-and-forget; external learners subscribe to the broker.
type TrainingEvent struct {
	Table        string    `json:"table"`
	TrainingType string    `json:"training_type"`
	RowCount     int       `json:"row_count"`
	Forced       bool      `json:"forced"`
	TriggeredAt  time.Time `json:"triggered_at"`
}
