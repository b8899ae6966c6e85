package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent records one ERROR→INITIALIZING restart attempt (spec §9:
// "retries are not silent — each attempt logs a distinct audit event").
type AuditEvent struct {
	ID        string
	StreamID  string
	Attempt   int
	BackoffMS int64
	Reason    string
	CreatedAt time.Time
}

func (s *Store) RecordAuditEvent(ctx context.Context, e *AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_audit_events (id, stream_id, attempt, backoff_ms, reason)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.StreamID, e.Attempt, e.BackoffMS, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, streamID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, attempt, backoff_ms, reason, created_at
		FROM stream_audit_events WHERE stream_id = ? ORDER BY created_at ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Attempt, &e.BackoffMS, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
