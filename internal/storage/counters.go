package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
)

// IncrementCounter bumps the per-table ingestion counter and returns the new
// count. The row is created on first use.
func (s *DB) IncrementCounter(ctx context.Context, table string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_counters (table_name, new_rows) VALUES (?, 1)
		 ON CONFLICT(table_name) DO UPDATE SET new_rows = new_rows + 1`,
		table,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: increment counter %s: %w", table, err)
	}
	counter, err := s.GetCounter(ctx, table)
	if err != nil {
		return 0, err
	}
	return counter.NewRows, nil
}

// GetCounter reads the persisted counter for a table. A table with no counter
// row yet reads as zero with no last-training timestamp.
func (s *DB) GetCounter(ctx context.Context, table string) (model.TrainingCounter, error) {
	counter := model.TrainingCounter{Table: table}
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT new_rows, last_training_at FROM training_counters WHERE table_name = ?`,
		table,
	).Scan(&counter.NewRows, &last)
	if err == sql.ErrNoRows {
		return counter, nil
	}
	if err != nil {
		return counter, fmt.Errorf("storage: get counter %s: %w", table, err)
	}
	if last.Valid {
		ts, err := time.Parse(time.RFC3339Nano, last.String)
		if err != nil {
			return counter, fmt.Errorf("storage: counter timestamp %s: %w", table, err)
		}
		counter.LastTrainingAt = &ts
	}
	return counter, nil
}

// ResetCounter zeroes the counter and stamps the training time.
func (s *DB) ResetCounter(ctx context.Context, table string, trainedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_counters (table_name, new_rows, last_training_at) VALUES (?, 0, ?)
		 ON CONFLICT(table_name) DO UPDATE SET new_rows = 0, last_training_at = excluded.last_training_at`,
		table, trainedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: reset counter %s: %w", table, err)
	}
	return nil
}

// ListCounters returns every persisted counter.
func (s *DB) ListCounters(ctx context.Context) ([]model.TrainingCounter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, new_rows, last_training_at FROM training_counters ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list counters: %w", err)
	}
	defer rows.Close()

	var out []model.TrainingCounter
	for rows.Next() {
		var (
			counter model.TrainingCounter
			last    sql.NullString
		)
		if err := rows.Scan(&counter.Table, &counter.NewRows, &last); err != nil {
			return nil, fmt.Errorf("storage: scan counter: %w", err)
		}
		if last.Valid {
			ts, err := time.Parse(time.RFC3339Nano, last.String)
			if err != nil {
				return nil, fmt.Errorf("storage: counter timestamp %s: %w", counter.Table, err)
			}
			counter.LastTrainingAt = &ts
		}
		out = append(out, counter)
	}
	return out, rows.Err()
}
