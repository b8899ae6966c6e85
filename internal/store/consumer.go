package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ConsumerState string

const (
	ConsumerPending   ConsumerState = "PENDING"
	ConsumerConnected ConsumerState = "CONNECTED"
	ConsumerClosed    ConsumerState = "CLOSED"
)

// Consumer is one WebRTC downstream attached to a Stream's producer (§3).
type Consumer struct {
	ID           string
	StreamID     string
	ClientID     string
	State        ConsumerState
	TransportRef *string
	CreatedAt    time.Time
	LastSeenAt   *time.Time
	ClosedAt     *time.Time
	CloseReason  *string
}

func (s *Store) CreateConsumer(ctx context.Context, c *Consumer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumers (id, stream_id, client_id, state, transport_ref)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.StreamID, c.ClientID, string(c.State), c.TransportRef)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

func (s *Store) GetConsumer(ctx context.Context, id string) (*Consumer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, client_id, state, transport_ref, created_at, last_seen_at, closed_at, close_reason
		FROM consumers WHERE id = ?
	`, id)
	return scanConsumer(row)
}

func (s *Store) ListConsumersForStream(ctx context.Context, streamID string) ([]*Consumer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, client_id, state, transport_ref, created_at, last_seen_at, closed_at, close_reason
		FROM consumers WHERE stream_id = ? ORDER BY created_at ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer rows.Close()

	var out []*Consumer
	for rows.Next() {
		c, err := scanConsumerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConnectedForStream reports the active_consumers figure (§6).
func (s *Store) CountConnectedForStream(ctx context.Context, streamID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consumers WHERE stream_id = ? AND state = 'CONNECTED'
	`, streamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count connected consumers: %w", err)
	}
	return n, nil
}

func (s *Store) MarkConsumerConnected(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consumers SET state = 'CONNECTED', last_seen_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark consumer connected: %w", err)
	}
	return nil
}

func (s *Store) CloseConsumer(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consumers SET state = 'CLOSED', closed_at = CURRENT_TIMESTAMP, close_reason = ?
		WHERE id = ? AND state != 'CLOSED'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

// CloseAllForStream closes every non-closed Consumer of a Stream, used when
// the Stream leaves LIVE (§3 invariant).
func (s *Store) CloseAllForStream(ctx context.Context, streamID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consumers SET state = 'CLOSED', closed_at = CURRENT_TIMESTAMP, close_reason = ?
		WHERE stream_id = ? AND state != 'CLOSED'
	`, reason, streamID)
	if err != nil {
		return fmt.Errorf("failed to close consumers for stream: %w", err)
	}
	return nil
}

// ListStalePending returns PENDING consumers created before cutoff, for the
// Consumer Registry's TTL sweep (default 30s, §4.6).
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]*Consumer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, client_id, state, transport_ref, created_at, last_seen_at, closed_at, close_reason
		FROM consumers WHERE state = 'PENDING' AND created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending consumers: %w", err)
	}
	defer rows.Close()

	var out []*Consumer
	for rows.Next() {
		c, err := scanConsumerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConsumer(row *sql.Row) (*Consumer, error) {
	return scanConsumerGeneric(row)
}

func scanConsumerRows(row *sql.Rows) (*Consumer, error) {
	return scanConsumerGeneric(row)
}

func scanConsumerGeneric(row rowScanner) (*Consumer, error) {
	var c Consumer
	var state string
	var transportRef, closeReason sql.NullString
	var lastSeenAt, closedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.StreamID, &c.ClientID, &state, &transportRef,
		&c.CreatedAt, &lastSeenAt, &closedAt, &closeReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan consumer: %w", err)
	}
	c.State = ConsumerState(state)
	if transportRef.Valid {
		c.TransportRef = &transportRef.String
	}
	if closeReason.Valid {
		c.CloseReason = &closeReason.String
	}
	if lastSeenAt.Valid {
		c.LastSeenAt = &lastSeenAt.Time
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	return &c, nil
}
