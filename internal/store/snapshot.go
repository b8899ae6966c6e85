package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ExtractionSource string

const (
	SourceLive       ExtractionSource = "LIVE"
	SourceHistorical ExtractionSource = "HISTORICAL"
)

type JobStatus string

const (
	StatusProcessing JobStatus = "PROCESSING"
	StatusReady      JobStatus = "READY"
	StatusFailed     JobStatus = "FAILED"
)

// Snapshot is an extracted still image (§3).
type Snapshot struct {
	ID         string
	StreamID   string
	Timestamp  time.Time
	Source     ExtractionSource
	Status     JobStatus
	ImagePath  *string
	Error      *string
	Metadata   *string
	Tombstoned bool
	CreatedAt  time.Time
}

func (s *Store) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, stream_id, timestamp, source, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.StreamID, snap.Timestamp, string(snap.Source), string(snap.Status), snap.Metadata)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, timestamp, source, status, image_path, error, metadata, tombstoned, created_at
		FROM snapshots WHERE id = ?
	`, id)
	return scanSnapshot(row)
}

type SnapshotFilter struct {
	StreamID *string
	Status   *JobStatus
	Limit    int
	Offset   int
}

func (s *Store) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]*Snapshot, error) {
	query := `
		SELECT id, stream_id, timestamp, source, status, image_path, error, metadata, tombstoned, created_at
		FROM snapshots WHERE 1=1
	`
	var args []interface{}
	if f.StreamID != nil {
		query += " AND stream_id = ?"
		args = append(args, *f.StreamID)
	}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CompleteSnapshot performs the single READY|FAILED transition (§3, §8
// monotonicity invariant) by requiring the row still be PROCESSING.
func (s *Store) CompleteSnapshot(ctx context.Context, id string, status JobStatus, imagePath, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, image_path = ?, error = ?
		WHERE id = ? AND status = 'PROCESSING'
	`, string(status), imagePath, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("snapshot %s is not PROCESSING", id)
	}
	return nil
}

// TombstoneSnapshot marks a PROCESSING snapshot for cancellation; the
// worker observes this flag at completion and deletes the partial
// artifact instead of finalizing it (§4.7).
func (s *Store) TombstoneSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE snapshots SET tombstoned = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone snapshot: %w", err)
	}
	return nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	return scanSnapshotGeneric(row)
}

func scanSnapshotRows(row *sql.Rows) (*Snapshot, error) {
	return scanSnapshotGeneric(row)
}

func scanSnapshotGeneric(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var source, status string
	var imagePath, errMsg, metadata sql.NullString

	if err := row.Scan(&snap.ID, &snap.StreamID, &snap.Timestamp, &source, &status,
		&imagePath, &errMsg, &metadata, &snap.Tombstoned, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snap.Source = ExtractionSource(source)
	snap.Status = JobStatus(status)
	if imagePath.Valid {
		snap.ImagePath = &imagePath.String
	}
	if errMsg.Valid {
		snap.Error = &errMsg.String
	}
	if metadata.Valid {
		snap.Metadata = &metadata.String
	}
	return &snap, nil
}
