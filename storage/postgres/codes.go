package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/storage"
)

const codeColumns = `code, client_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at, used_at, created_at`

func scanCode(row pgx.Row) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	if err := row.Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Scope, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.ExpiresAt, &c.UsedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	if c.UsedAt != nil {
		usedAt := c.UsedAt.UTC()
		c.UsedAt = &usedAt
	}
	return &c, nil
}

// SaveAuthorizationCode inserts a newly issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	const q = `
		INSERT INTO oauth_authorization_codes (` + codeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q, code.Code, code.ClientID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.UsedAt, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	c, err := scanCode(s.pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return c, nil
}

// ConsumeAuthorizationCode marks a code used with a single conditional UPDATE.
// Row locking makes concurrent updates of the same code serialize, and the loser
// re-evaluates the WHERE clause against the winner's used_at and matches nothing.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	const q = `
		UPDATE oauth_authorization_codes
		SET used_at = $2
		WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING ` + codeColumns

	c, err := scanCode(s.pool.QueryRow(ctx, q, code, now))
	if err == nil {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// nothing updated: find out why
	existing, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if existing.IsUsed() {
		s.logger.Warn("Authorization code reuse attempted",
			"code_prefix", util.SafeTruncate(code, codeLogLength),
			"client_id", existing.ClientID)
		return nil, storage.ErrAuthorizationCodeUsed
	}
	return nil, storage.ErrAuthorizationCodeExpired
}

// DeleteExpiredAuthorizationCodes removes codes whose ExpiresAt is before now
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAuthorizationCodesForClient removes every code issued to clientID
func (s *Store) DeleteAuthorizationCodesForClient(ctx context.Context, clientID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE client_id = $1`, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete authorization codes for client: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
