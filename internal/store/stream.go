package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StreamState is one of the Stream State Machine's states (§4.3).
type StreamState string

const (
	StreamInitializing StreamState = "INITIALIZING"
	StreamReady         StreamState = "READY"
	StreamLive          StreamState = "LIVE"
	StreamError         StreamState = "ERROR"
	StreamStopped       StreamState = "STOPPED"
	StreamClosed        StreamState = "CLOSED"
)

// NonTerminalStates are the states counted against the "at most one
// non-terminal Stream per Device" invariant (§3).
var NonTerminalStates = []StreamState{StreamInitializing, StreamReady, StreamLive, StreamError}

func (s StreamState) IsTerminal() bool {
	return s == StreamStopped || s == StreamClosed
}

// Stream is one activation of a Device (§3).
type Stream struct {
	ID           string
	CameraID     string
	State        StreamState
	CodecConfig  string
	ProducerRef  *string
	AssignedPort *int
	CapturedSSRC *uint32
	LastError    *string
	RetryCount   int
	StartedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Uptime returns time since StartedAt, or 0 if never started.
func (s *Stream) Uptime() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	return time.Since(*s.StartedAt)
}

func (s *Store) CreateStream(ctx context.Context, st *Stream) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, camera_id, state, codec_config, retry_count)
		VALUES (?, ?, ?, ?, 0)
	`, st.ID, st.CameraID, string(st.State), st.CodecConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// GetNonTerminalStreamForDevice enforces §3's invariant by letting callers
// check, before creating a new Stream, whether one already exists.
func (s *Store) GetNonTerminalStreamForDevice(ctx context.Context, deviceID string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, retry_count, started_at, created_at, updated_at
		FROM streams
		WHERE camera_id = ? AND state NOT IN ('STOPPED', 'CLOSED')
		ORDER BY created_at DESC LIMIT 1
	`, deviceID)
	st, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *Store) GetStream(ctx context.Context, id string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, retry_count, started_at, created_at, updated_at
		FROM streams WHERE id = ?
	`, id)
	return scanStream(row)
}

type StreamFilter struct {
	State    *StreamState
	CameraID *string
	Limit    int
	Offset   int
}

func (s *Store) ListStreams(ctx context.Context, f StreamFilter) ([]*Stream, error) {
	query := `
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, retry_count, started_at, created_at, updated_at
		FROM streams WHERE 1=1
	`
	var args []interface{}
	if f.State != nil {
		query += " AND state = ?"
		args = append(args, string(*f.State))
	}
	if f.CameraID != nil {
		query += " AND camera_id = ?"
		args = append(args, *f.CameraID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		st, err := scanStreamRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TransitionState moves a Stream to a new state, optionally recording
// producer_ref/assigned_port/captured_ssrc/last_error/started_at. Callers
// (the Stream State Machine actor) are the sole writer per stream_id, so
// no optimistic-concurrency check is needed here.
func (s *Store) TransitionState(ctx context.Context, id string, newState StreamState, opts StreamUpdate) error {
	query := `UPDATE streams SET state = ?, updated_at = CURRENT_TIMESTAMP`
	args := []interface{}{string(newState)}

	if opts.ProducerRef != nil {
		query += `, producer_ref = ?`
		args = append(args, *opts.ProducerRef)
	}
	if opts.AssignedPort != nil {
		query += `, assigned_port = ?`
		args = append(args, *opts.AssignedPort)
	}
	if opts.ClearAssignedPort {
		query += `, assigned_port = NULL`
	}
	if opts.CapturedSSRC != nil {
		query += `, captured_ssrc = ?`
		args = append(args, *opts.CapturedSSRC)
	}
	if opts.LastError != nil {
		query += `, last_error = ?`
		args = append(args, *opts.LastError)
	}
	if opts.ClearLastError {
		query += `, last_error = NULL`
	}
	if opts.IncrementRetry {
		query += `, retry_count = retry_count + 1`
	}
	if opts.ResetRetry {
		query += `, retry_count = 0`
	}
	if opts.StartedAt != nil {
		query += `, started_at = ?`
		args = append(args, *opts.StartedAt)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition stream %s to %s: %w", id, newState, err)
	}
	return nil
}

// StreamUpdate carries the optional side-effects of a state transition.
type StreamUpdate struct {
	ProducerRef       *string
	AssignedPort      *int
	ClearAssignedPort bool
	CapturedSSRC      *uint32
	LastError         *string
	ClearLastError    bool
	IncrementRetry    bool
	ResetRetry        bool
	StartedAt         *time.Time
}

func scanStream(row *sql.Row) (*Stream, error) {
	return scanStreamGeneric(row)
}

func scanStreamRows(row *sql.Rows) (*Stream, error) {
	return scanStreamGeneric(row)
}

func scanStreamGeneric(row rowScanner) (*Stream, error) {
	var st Stream
	var state string
	var producerRef, lastError sql.NullString
	var assignedPort sql.NullInt64
	var capturedSSRC sql.NullInt64
	var startedAt sql.NullTime

	if err := row.Scan(&st.ID, &st.CameraID, &state, &st.CodecConfig, &producerRef,
		&assignedPort, &capturedSSRC, &lastError, &st.RetryCount, &startedAt,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan stream: %w", err)
	}

	st.State = StreamState(state)
	if producerRef.Valid {
		st.ProducerRef = &producerRef.String
	}
	if lastError.Valid {
		st.LastError = &lastError.String
	}
	if assignedPort.Valid {
		p := int(assignedPort.Int64)
		st.AssignedPort = &p
	}
	if capturedSSRC.Valid {
		ssrc := uint32(capturedSSRC.Int64)
		st.CapturedSSRC = &ssrc
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	return &st, nil
}
