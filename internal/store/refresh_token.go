package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RefreshToken backs long-lived refresh grants. Per spec §9's intentional
// simplification, the refresh token itself is never rotated on refresh —
// only new access tokens are minted against it until it expires or is
// revoked.
type RefreshToken struct {
	TokenID   string
	ClientID  string
	Scopes    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

func (s *Store) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_id, client_id, scopes, expires_at) VALUES (?, ?, ?, ?)
	`, t.TokenID, t.ClientID, t.Scopes, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, client_id, scopes, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token_id = ?
	`, tokenID)
	var t RefreshToken
	if err := row.Scan(&t.TokenID, &t.ClientID, &t.Scopes, &t.ExpiresAt, &t.Revoked, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan refresh token: %w", err)
	}
	return &t, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}
