package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Client is an API principal, opaque to the core except as an
// authorization input (§3).
type Client struct {
	ClientID     string
	HashedSecret string
	Scopes       string // space-delimited, persisted as-is
	CreatedAt    time.Time
}

func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, hashed_secret, scopes) VALUES (?, ?, ?)
	`, c.ClientID, c.HashedSecret, c.Scopes)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, hashed_secret, scopes, created_at FROM clients WHERE client_id = ?
	`, clientID)
	var c Client
	if err := row.Scan(&c.ClientID, &c.HashedSecret, &c.Scopes, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}
	return &c, nil
}
