package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Device is a configured RTSP source (§3).
type Device struct {
	ID        string
	Name      string
	RTSPURL   string
	Location  *string
	CreatedAt time.Time
	// IsActive is derived: true if any non-terminal Stream references it.
	IsActive bool
}

func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, rtsp_url, location) VALUES (?, ?, ?, ?)
	`, d.ID, d.Name, d.RTSPURL, d.Location)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.rtsp_url, d.location, d.created_at,
		       EXISTS(
		           SELECT 1 FROM streams st
		           WHERE st.camera_id = d.id AND st.state NOT IN ('STOPPED', 'CLOSED')
		       ) AS is_active
		FROM devices d WHERE d.id = ?
	`, id)
	return scanDevice(row)
}

func (s *Store) ListDevices(ctx context.Context, limit, offset int) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.rtsp_url, d.location, d.created_at,
		       EXISTS(
		           SELECT 1 FROM streams st
		           WHERE st.camera_id = d.id AND st.state NOT IN ('STOPPED', 'CLOSED')
		       ) AS is_active
		FROM devices d ORDER BY d.created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) UpdateDevice(ctx context.Context, id, name, rtspURL string, location *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, rtsp_url = ?, location = ? WHERE id = ?
	`, name, rtspURL, location, id)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return nil
}

// DeleteDevice removes a Device. Callers must ensure no non-terminal
// Stream references it first (§3 ownership: "destroyed only when no
// stream references it"); this is enforced by the caller, not by a DB
// constraint, so the precise error code (§7) can be surfaced.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row *sql.Row) (*Device, error) {
	return scanDeviceGeneric(row)
}

func scanDeviceRows(row *sql.Rows) (*Device, error) {
	return scanDeviceGeneric(row)
}

func scanDeviceGeneric(row rowScanner) (*Device, error) {
	var d Device
	var location sql.NullString
	if err := row.Scan(&d.ID, &d.Name, &d.RTSPURL, &location, &d.CreatedAt, &d.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	if location.Valid {
		d.Location = &location.String
	}
	return &d, nil
}
