package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
)

// Token repository errors
var (
	ErrTokenNotFound = errors.New("token not found")
)

// TokenRepository defines the interface for the token ledger. Rows are
// inserted with the codec-assigned id (the jti claim) and only ever mutated
// by flipping is_revoked; revoked rows stay behind for audit.
type TokenRepository interface {
	Insert(ctx context.Context, q db.DBTX, token *Token) error
	GetByHash(ctx context.Context, q db.DBTX, tokenHash string) (*Token, error)
	Revoke(ctx context.Context, q db.DBTX, id uuid.UUID) error
	RevokeBySession(ctx context.Context, q db.DBTX, sessionID uuid.UUID) (int64, error)
	RevokeAllByUser(ctx context.Context, q db.DBTX, userID uuid.UUID) (int64, error)
	RevokeActiveAccess(ctx context.Context, q db.DBTX, sessionID uuid.UUID, now time.Time) (int64, error)
}

// tokenRepository implements TokenRepository using PostgreSQL.
type tokenRepository struct{}

// NewTokenRepository creates a new TokenRepository instance.
func NewTokenRepository() TokenRepository {
	return &tokenRepository{}
}

// Insert persists a token row. The id must be set by the caller; it doubles
// as the token's jti claim.
func (r *tokenRepository) Insert(ctx context.Context, q db.DBTX, token *Token) error {
	query := `
		INSERT INTO tokens (id, user_id, session_id, token_type, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := q.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.SessionID,
		token.TokenType,
		token.TokenHash,
		token.IssuedAt,
		token.ExpiresAt,
	)
	return err
}

// GetByHash retrieves a token row by the hash of the presented string. The
// row is locked for the transaction, which serializes concurrent rotation
// attempts with the same refresh token: the second one blocks, then sees
// is_revoked already set.
func (r *tokenRepository) GetByHash(ctx context.Context, q db.DBTX, tokenHash string) (*Token, error) {
	query := `
		SELECT id, user_id, session_id, token_type, token_hash, issued_at, expires_at, is_revoked
		FROM tokens
		WHERE token_hash = $1
		FOR UPDATE
	`

	token := &Token{}
	err := q.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.SessionID,
		&token.TokenType,
		&token.TokenHash,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.IsRevoked,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	return token, nil
}

// Revoke marks a single token revoked. Revoking an already-revoked token is
// a no-op, not an error.
func (r *tokenRepository) Revoke(ctx context.Context, q db.DBTX, id uuid.UUID) error {
	query := `UPDATE tokens SET is_revoked = TRUE WHERE id = $1`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTokenNotFound
	}

	return nil
}

// RevokeBySession revokes every live token bound to the session and returns
// how many rows it touched.
func (r *tokenRepository) RevokeBySession(ctx context.Context, q db.DBTX, sessionID uuid.UUID) (int64, error) {
	query := `UPDATE tokens SET is_revoked = TRUE WHERE session_id = $1 AND is_revoked = FALSE`

	result, err := q.Exec(ctx, query, sessionID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// RevokeAllByUser revokes every live token the user holds, session-bound or
// not. Used by the single-session sweep at login and by password change.
func (r *tokenRepository) RevokeAllByUser(ctx context.Context, q db.DBTX, userID uuid.UUID) (int64, error) {
	query := `UPDATE tokens SET is_revoked = TRUE WHERE user_id = $1 AND is_revoked = FALSE`

	result, err := q.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}

// RevokeActiveAccess revokes the session's unexpired access tokens so they
// cannot outlive a refresh rotation.
func (r *tokenRepository) RevokeActiveAccess(ctx context.Context, q db.DBTX, sessionID uuid.UUID, now time.Time) (int64, error) {
	query := `
		UPDATE tokens
		SET is_revoked = TRUE
		WHERE session_id = $1 AND token_type = $2 AND is_revoked = FALSE AND expires_at > $3
	`

	result, err := q.Exec(ctx, query, sessionID, "access", now)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
