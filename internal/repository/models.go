package repository

import (
	"time"

	"github.com/google/uuid"
)

// AuthRecord is the authentication row for one user (table user_auth),
// joined with the identity columns the auth flows need. Mutations go through
// AuthRepository only, under the row lock taken by the Get* methods.
type AuthRecord struct {
	UserID          uuid.UUID              `db:"user_id"`
	Email           string                 `db:"email"`
	RoleID          uuid.UUID              `db:"role_id"`
	PasswordHash    string                 `db:"password_hash"`
	FailedAttempts  int                    `db:"failed_attempts"`
	LockoutUntil    *time.Time             `db:"lockout_until"`
	LastLogin       *time.Time             `db:"last_login"`
	PasswordHistory []PasswordHistoryEntry `db:"password_history"`
	CreatedAt       time.Time              `db:"created_at"`
	UpdatedAt       time.Time              `db:"updated_at"`
}

// PasswordHistoryEntry is one retired password hash. The history column
// holds at most five entries, newest first.
type PasswordHistoryEntry struct {
	PasswordHash string    `json:"password_hash"`
	ChangedAt    time.Time `json:"changed_at"`
}

// Session is one authenticated device/browser context (table sessions).
// A session is active iff RevokedAt and LoggedOutAt are both nil and
// ExpiresAt is in the future.
type Session struct {
	ID          uuid.UUID  `db:"id"`
	UserID      uuid.UUID  `db:"user_id"`
	RoleID      uuid.UUID  `db:"role_id"`
	DeviceID    *string    `db:"device_id"`
	IPAddress   *string    `db:"ip_address"`
	UserAgent   *string    `db:"user_agent"`
	Note        *string    `db:"note"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
	LoggedOutAt *time.Time `db:"logged_out_at"`
}

// Active reports whether the session accepts token operations at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.LoggedOutAt == nil && s.ExpiresAt.After(now)
}

// Token is one issued credential (table tokens). Only the SHA-256 hash of
// the signed string is stored; ID equals the token's jti claim.
type Token struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	SessionID *uuid.UUID `db:"session_id"`
	TokenType string     `db:"token_type"`
	TokenHash string     `db:"token_hash"`
	IssuedAt  time.Time  `db:"issued_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	IsRevoked bool       `db:"is_revoked"`
}

// Status is one row of the statuses lookup table.
type Status struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// LoginEvent is one append-only login history row (table login_history).
// UserID is nil for failed attempts against unknown emails.
type LoginEvent struct {
	ID         uuid.UUID  `db:"id"`
	UserID     *uuid.UUID `db:"user_id"`
	SessionID  *uuid.UUID `db:"session_id"`
	Event      string     `db:"event"`
	Email      *string    `db:"email"`
	IPAddress  *string    `db:"ip_address"`
	UserAgent  *string    `db:"user_agent"`
	OccurredAt time.Time  `db:"occurred_at"`
}

// TokenEvent is one append-only token activity row (table token_activity).
type TokenEvent struct {
	ID         uuid.UUID  `db:"id"`
	UserID     *uuid.UUID `db:"user_id"`
	SessionID  *uuid.UUID `db:"session_id"`
	Action     string     `db:"action"`
	TokenType  *string    `db:"token_type"`
	Detail     []byte     `db:"detail"`
	OccurredAt time.Time  `db:"occurred_at"`
}
