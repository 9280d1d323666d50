package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one governed event: a submitted update, a decision, or
// an agent revocation. Audit history persists across restarts even though
// the in-memory revocation tombstones do not.
type AuditEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Risk      string    `json:"risk"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAudit writes one governance audit entry.
func (s *DB) InsertAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO governance_audit (id, kind, target, risk, decision, reason, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, entry.Target, entry.Risk, entry.Decision,
		entry.Reason, entry.CreatedBy, entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// RecentAudit returns the most recent audit entries, newest first.
func (s *DB) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, target, risk, decision, reason, created_by, created_at
		 FROM governance_audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry AuditEntry
			ts    string
		)
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Target, &entry.Risk,
			&entry.Decision, &entry.Reason, &entry.CreatedBy, &ts); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: audit timestamp: %w", err)
		}
		entry.CreatedAt = parsed
		out = append(out, entry)
	}
	return out, rows.Err()
}
