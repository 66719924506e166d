package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository writes append-only audit rows. It holds its own handle
// rather than taking one per call: audit writes happen after the primary
// transaction commits and must never join it.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertLoginEvent records one login-history row
func (r *AuditRepository) InsertLoginEvent(ctx context.Context, event *LoginEvent) error {
	query := `
		INSERT INTO login_history (user_id, session_id, event, email, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.UserID,
		event.SessionID,
		event.Event,
		event.Email,
		event.IPAddress,
		event.UserAgent,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login event: %w", err)
	}

	return nil
}

// InsertTokenEvent records one token-activity row
func (r *AuditRepository) InsertTokenEvent(ctx context.Context, event *TokenEvent) error {
	query := `
		INSERT INTO token_activity (user_id, session_id, action, token_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`

	// The stdlib driver binds []byte as bytea, so detail goes over as text
	// and is cast server-side.
	var detail any
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}

	_, err := r.db.ExecContext(ctx, query,
		event.UserID,
		event.SessionID,
		event.Action,
		event.TokenType,
		detail,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token event: %w", err)
	}

	return nil
}

// RecentLoginEvents returns the newest login-history rows for a user,
// newest first.
func (r *AuditRepository) RecentLoginEvents(ctx context.Context, userID uuid.UUID, limit int) ([]LoginEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, session_id, event, email, ip_address, user_agent, occurred_at
		FROM login_history
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	var events []LoginEvent
	if err := r.db.SelectContext(ctx, &events, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list login events: %w", err)
	}

	return events, nil
}

// DeleteLoginEventsBefore removes login-history rows older than the cutoff
func (r *AuditRepository) DeleteLoginEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM login_history WHERE occurred_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete login events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// DeleteTokenEventsBefore removes token-activity rows older than the cutoff
func (r *AuditRepository) DeleteTokenEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM token_activity WHERE occurred_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete token events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
