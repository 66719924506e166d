// Package audit carries the post-commit audit trail: login history and
// token activity. Recording is best-effort by contract — the auth service
// calls Record only after its transaction commits, and nothing in this
// package can fail the operation that produced the event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Login-history event types.
const (
	EventLoginSuccess    = "login_success"
	EventLoginFailed     = "login_failed"
	EventAccountLocked   = "account_locked"
	EventLogout          = "logout"
	EventPasswordChanged = "password_changed"
)

// Token-activity actions.
const (
	ActionTokenIssued   = "issued"
	ActionTokenRotated  = "rotated"
	ActionTokenRevoked  = "revoked"
	ActionReuseDetected = "reuse_detected"
)

// Event is one auth-operation outcome. Type selects the destination table:
// login-history types carry the identity/metadata fields, token-activity
// actions carry TokenType and Detail. Raw credentials never appear here.
type Event struct {
	Type       string
	OccurredAt time.Time
	UserID     *uuid.UUID
	SessionID  *uuid.UUID
	Email      *string
	IPAddress  *string
	UserAgent  *string
	TokenType  *string
	Detail     map[string]any
}

// Recorder accepts events for eventual persistence. Implementations must
// not block the caller and must swallow their own failures.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// NopRecorder discards every event. Used by tests and tooling that need an
// auth service without an audit pipeline.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) {}

// isLoginEvent reports whether the type belongs to the login-history table.
func isLoginEvent(eventType string) bool {
	switch eventType {
	case EventLoginSuccess, EventLoginFailed, EventAccountLocked, EventLogout, EventPasswordChanged:
		return true
	}
	return false
}

// isTokenEvent reports whether the type belongs to the token-activity table.
func isTokenEvent(eventType string) bool {
	switch eventType {
	case ActionTokenIssued, ActionTokenRotated, ActionTokenRevoked, ActionReuseDetected:
		return true
	}
	return false
}
