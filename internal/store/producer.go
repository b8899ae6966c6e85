package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ProducerState string

const (
	ProducerActive ProducerState = "ACTIVE"
	ProducerClosed ProducerState = "CLOSED"
)

// Producer is the SFU-side handle for a Stream's ingress RTP flow (§3).
type Producer struct {
	ID       string
	StreamID string
	SFUID    string
	SSRC     uint32
	State    ProducerState
	CreatedAt time.Time
	ClosedAt *time.Time
}

func (s *Store) CreateProducer(ctx context.Context, p *Producer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO producers (id, stream_id, sfu_id, ssrc, state) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.StreamID, p.SFUID, p.SSRC, string(p.State))
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	return nil
}

func (s *Store) GetProducer(ctx context.Context, id string) (*Producer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, sfu_id, ssrc, state, created_at, closed_at
		FROM producers WHERE id = ?
	`, id)
	return scanProducer(row)
}

func (s *Store) GetActiveProducerForStream(ctx context.Context, streamID string) (*Producer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, sfu_id, ssrc, state, created_at, closed_at
		FROM producers WHERE stream_id = ? AND state = 'ACTIVE'
		ORDER BY created_at DESC LIMIT 1
	`, streamID)
	p, err := scanProducer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *Store) CloseProducer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE producers SET state = 'CLOSED', closed_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func scanProducer(row *sql.Row) (*Producer, error) {
	var p Producer
	var state string
	var closedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.StreamID, &p.SFUID, &p.SSRC, &state, &p.CreatedAt, &closedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan producer: %w", err)
	}
	p.State = ProducerState(state)
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}
