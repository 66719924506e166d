package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
)

// Auth repository errors. Absence is a distinct sentinel so the login path
// can fold it into a generic failure without leaking existence.
var (
	ErrAuthRecordNotFound = errors.New("auth record not found")
)

// AuthRepository reads and mutates authentication records. Every method
// takes the transaction handle explicitly; the Get methods acquire a row
// lock that lives for the handle's transaction, serializing concurrent
// login/password-change against the same user.
type AuthRepository interface {
	GetForLoginByEmail(ctx context.Context, q db.DBTX, email string, activeStatusID uuid.UUID) (*AuthRecord, error)
	GetAndLockByUserID(ctx context.Context, q db.DBTX, userID uuid.UUID) (*AuthRecord, error)
	RecordFailedAttempt(ctx context.Context, q db.DBTX, userID uuid.UUID, newCount int, lockoutUntil *time.Time) error
	ResetFailedAttempts(ctx context.Context, q db.DBTX, userID uuid.UUID, lastLogin time.Time) error
	UpdatePasswordAndHistory(ctx context.Context, q db.DBTX, userID uuid.UUID, newHash string, history []PasswordHistoryEntry) error
}

// authRepository implements AuthRepository using PostgreSQL.
type authRepository struct{}

// NewAuthRepository creates a new AuthRepository instance.
func NewAuthRepository() AuthRepository {
	return &authRepository{}
}

const authRecordColumns = `
	u.id, u.email, u.role_id, ua.password_hash, ua.failed_attempts,
	ua.lockout_until, ua.last_login, ua.password_history, ua.created_at, ua.updated_at
`

// GetForLoginByEmail fetches and locks the auth record for an active user by
// email (case-insensitive). Only the user_auth row is locked; the users row
// is read-only here.
func (r *authRepository) GetForLoginByEmail(ctx context.Context, q db.DBTX, email string, activeStatusID uuid.UUID) (*AuthRecord, error) {
	query := `
		SELECT ` + authRecordColumns + `
		FROM user_auth ua
		JOIN users u ON u.id = ua.user_id
		WHERE LOWER(u.email) = LOWER($1) AND u.status_id = $2
		FOR UPDATE OF ua
	`

	return r.scanRecord(q.QueryRow(ctx, query, email, activeStatusID))
}

// GetAndLockByUserID fetches and locks the auth record by user id. Used by
// password change, where the caller is already authenticated.
func (r *authRepository) GetAndLockByUserID(ctx context.Context, q db.DBTX, userID uuid.UUID) (*AuthRecord, error) {
	query := `
		SELECT ` + authRecordColumns + `
		FROM user_auth ua
		JOIN users u ON u.id = ua.user_id
		WHERE u.id = $1
		FOR UPDATE OF ua
	`

	return r.scanRecord(q.QueryRow(ctx, query, userID))
}

func (r *authRepository) scanRecord(row pgx.Row) (*AuthRecord, error) {
	record := &AuthRecord{}
	err := row.Scan(
		&record.UserID,
		&record.Email,
		&record.RoleID,
		&record.PasswordHash,
		&record.FailedAttempts,
		&record.LockoutUntil,
		&record.LastLogin,
		&record.PasswordHistory,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAuthRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// RecordFailedAttempt writes the new failed-attempt count and, when the
// attempt crossed the lockout threshold, the lockout deadline.
func (r *authRepository) RecordFailedAttempt(ctx context.Context, q db.DBTX, userID uuid.UUID, newCount int, lockoutUntil *time.Time) error {
	query := `
		UPDATE user_auth
		SET failed_attempts = $2, lockout_until = $3, updated_at = NOW()
		WHERE user_id = $1
	`

	result, err := q.Exec(ctx, query, userID, newCount, lockoutUntil)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAuthRecordNotFound
	}
	return nil
}

// ResetFailedAttempts zeroes the counter, clears any lockout, and stamps the
// successful login time.
func (r *authRepository) ResetFailedAttempts(ctx context.Context, q db.DBTX, userID uuid.UUID, lastLogin time.Time) error {
	query := `
		UPDATE user_auth
		SET failed_attempts = 0, lockout_until = NULL, last_login = $2, updated_at = NOW()
		WHERE user_id = $1
	`

	result, err := q.Exec(ctx, query, userID, lastLogin)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAuthRecordNotFound
	}
	return nil
}

// UpdatePasswordAndHistory replaces the password hash and stores the
// already-truncated history (at most five entries, newest first). The caller
// builds the history; this method persists it atomically with the hash.
func (r *authRepository) UpdatePasswordAndHistory(ctx context.Context, q db.DBTX, userID uuid.UUID, newHash string, history []PasswordHistoryEntry) error {
	if history == nil {
		history = []PasswordHistoryEntry{}
	}

	query := `
		UPDATE user_auth
		SET password_hash = $2, password_history = $3, updated_at = NOW()
		WHERE user_id = $1
	`

	result, err := q.Exec(ctx, query, userID, newHash, history)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAuthRecordNotFound
	}
	return nil
}
