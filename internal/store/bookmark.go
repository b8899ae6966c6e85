package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Bookmark is an extracted video clip (§3).
type Bookmark struct {
	ID              string
	StreamID        string
	CenterTimestamp time.Time
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds float64
	Source          ExtractionSource
	Label           *string
	EventType       *string
	Confidence      *float64
	Tags            *string
	Status          JobStatus
	VideoPath       *string
	ThumbnailPath   *string
	Error           *string
	Tombstoned      bool
	CreatedAt       time.Time
}

func (s *Store) CreateBookmark(ctx context.Context, b *Bookmark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookmarks (id, stream_id, center_timestamp, start_time, end_time,
			duration_seconds, source, label, event_type, confidence, tags, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.StreamID, b.CenterTimestamp, b.StartTime, b.EndTime, b.DurationSeconds,
		string(b.Source), b.Label, b.EventType, b.Confidence, b.Tags, string(b.Status))
	if err != nil {
		return fmt.Errorf("failed to create bookmark: %w", err)
	}
	return nil
}

func (s *Store) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, center_timestamp, start_time, end_time, duration_seconds,
		       source, label, event_type, confidence, tags, status, video_path,
		       thumbnail_path, error, tombstoned, created_at
		FROM bookmarks WHERE id = ?
	`, id)
	return scanBookmark(row)
}

type BookmarkFilter struct {
	StreamID *string
	Status   *JobStatus
	Limit    int
	Offset   int
}

func (s *Store) ListBookmarks(ctx context.Context, f BookmarkFilter) ([]*Bookmark, error) {
	query := `
		SELECT id, stream_id, center_timestamp, start_time, end_time, duration_seconds,
		       source, label, event_type, confidence, tags, status, video_path,
		       thumbnail_path, error, tombstoned, created_at
		FROM bookmarks WHERE 1=1
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
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	var out []*Bookmark
	for rows.Next() {
		b, err := scanBookmarkRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CompleteBookmark(ctx context.Context, id string, status JobStatus, videoPath, thumbPath, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookmarks SET status = ?, video_path = ?, thumbnail_path = ?, error = ?
		WHERE id = ? AND status = 'PROCESSING'
	`, string(status), videoPath, thumbPath, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete bookmark: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bookmark %s is not PROCESSING", id)
	}
	return nil
}

func (s *Store) UpdateBookmarkMetadata(ctx context.Context, id string, label, eventType, tags *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bookmarks SET label = ?, event_type = ?, tags = ? WHERE id = ?
	`, label, eventType, tags, id)
	if err != nil {
		return fmt.Errorf("failed to update bookmark: %w", err)
	}
	return nil
}

func (s *Store) TombstoneBookmark(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bookmarks SET tombstoned = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone bookmark: %w", err)
	}
	return nil
}

func (s *Store) DeleteBookmark(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	return nil
}

func scanBookmark(row *sql.Row) (*Bookmark, error) {
	return scanBookmarkGeneric(row)
}

func scanBookmarkRows(row *sql.Rows) (*Bookmark, error) {
	return scanBookmarkGeneric(row)
}

func scanBookmarkGeneric(row rowScanner) (*Bookmark, error) {
	var b Bookmark
	var source, status string
	var label, eventType, tags, videoPath, thumbPath, errMsg sql.NullString
	var confidence sql.NullFloat64

	if err := row.Scan(&b.ID, &b.StreamID, &b.CenterTimestamp, &b.StartTime, &b.EndTime,
		&b.DurationSeconds, &source, &label, &eventType, &confidence, &tags, &status,
		&videoPath, &thumbPath, &errMsg, &b.Tombstoned, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan bookmark: %w", err)
	}
	b.Source = ExtractionSource(source)
	b.Status = JobStatus(status)
	if label.Valid {
		b.Label = &label.String
	}
	if eventType.Valid {
		b.EventType = &eventType.String
	}
	if tags.Valid {
		b.Tags = &tags.String
	}
	if videoPath.Valid {
		b.VideoPath = &videoPath.String
	}
	if thumbPath.Valid {
		b.ThumbnailPath = &thumbPath.String
	}
	if errMsg.Valid {
		b.Error = &errMsg.String
	}
	if confidence.Valid {
		b.Confidence = &confidence.Float64
	}
	return &b, nil
}
