package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for session data access. Sessions
// are never deleted; revocation flips revoked_at so audit trails survive.
type SessionRepository interface {
	Insert(ctx context.Context, q db.DBTX, session *Session) error
	GetByID(ctx context.Context, q db.DBTX, id uuid.UUID) (*Session, error)
	RevokeAllByUser(ctx context.Context, q db.DBTX, userID uuid.UUID, at time.Time) ([]uuid.UUID, error)
	Revoke(ctx context.Context, q db.DBTX, id uuid.UUID, at time.Time, markLogout bool) error
}

// sessionRepository implements SessionRepository using PostgreSQL.
type sessionRepository struct{}

// NewSessionRepository creates a new SessionRepository instance.
func NewSessionRepository() SessionRepository {
	return &sessionRepository{}
}

// Insert creates a new session row and fills in the generated id and
// created_at.
func (r *sessionRepository) Insert(ctx context.Context, q db.DBTX, session *Session) error {
	query := `
		INSERT INTO sessions (user_id, role_id, device_id, ip_address, user_agent, note, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		session.UserID,
		session.RoleID,
		session.DeviceID,
		session.IPAddress,
		session.UserAgent,
		session.Note,
		session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt)

	if err != nil {
		return err
	}

	return nil
}

// GetByID retrieves a session by its id, revoked or not. Callers decide what
// an inactive session means for them.
func (r *sessionRepository) GetByID(ctx context.Context, q db.DBTX, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, user_id, role_id, device_id, ip_address, user_agent, note,
		       created_at, expires_at, revoked_at, logged_out_at
		FROM sessions
		WHERE id = $1
	`

	session := &Session{}
	err := q.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.UserID,
		&session.RoleID,
		&session.DeviceID,
		&session.IPAddress,
		&session.UserAgent,
		&session.Note,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.LoggedOutAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

// RevokeAllByUser revokes every active session belonging to the user and
// returns the ids it touched, so the caller can revoke their tokens in the
// same transaction. Already-revoked sessions are left alone.
func (r *sessionRepository) RevokeAllByUser(ctx context.Context, q db.DBTX, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE sessions
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING id
	`

	rows, err := q.Query(ctx, query, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		revoked = append(revoked, id)
	}

	return revoked, rows.Err()
}

// Revoke marks a single session revoked. markLogout additionally stamps
// logged_out_at, distinguishing a user-initiated logout from a security
// revocation. Revoking an already-revoked session is a no-op, not an error.
func (r *sessionRepository) Revoke(ctx context.Context, q db.DBTX, id uuid.UUID, at time.Time, markLogout bool) error {
	query := `
		UPDATE sessions
		SET revoked_at = COALESCE(revoked_at, $2),
		    logged_out_at = CASE WHEN $3 THEN COALESCE(logged_out_at, $2) ELSE logged_out_at END
		WHERE id = $1
	`

	result, err := q.Exec(ctx, query, id, at, markLogout)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}
