// Package session composes the session and token stores with the token
// codec into one lifecycle: issue, verify, rotate, revoke. Every mutating
// method takes the caller's transaction handle, so a login or refresh is
// atomic end to end and the containment write on token reuse commits with
// the rest of the operation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/repository"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/security"
)

// Orchestrator errors. The auth service folds all of them into its generic
// authentication failure; the split exists so refresh can report "expired"
// separately from "invalid".
var (
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrSessionNotActive    = errors.New("session not active")
)

// ReuseError reports that an already-revoked refresh token was presented.
// By the time Rotate returns it, the owning session and all its tokens are
// revoked on the transaction handle; the caller must commit to make the
// containment stick.
type ReuseError struct {
	UserID        uuid.UUID
	SessionID     uuid.UUID
	TokenID       uuid.UUID
	TokensRevoked int64
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("refresh token reuse detected for session %s", e.SessionID)
}

// IssueSpec carries everything needed to open a session. Metadata fields
// are stored as given; sanitization happens upstream.
type IssueSpec struct {
	UserID    uuid.UUID
	RoleID    uuid.UUID
	DeviceID  *string
	IPAddress *string
	UserAgent *string
	Note      *string
}

// Credentials is one freshly issued access/refresh pair. The raw strings
// exist here and in the caller's response only; the stores hold hashes.
type Credentials struct {
	SessionID        uuid.UUID
	UserID           uuid.UUID
	RoleID           uuid.UUID
	AccessToken      string
	RefreshToken     string
	AccessTokenID    uuid.UUID
	RefreshTokenID   uuid.UUID
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Orchestrator drives the session/token lifecycle against the repositories.
type Orchestrator struct {
	sessions repository.SessionRepository
	tokens   repository.TokenRepository
	codec    *security.TokenCodec
	now      func() time.Time
}

// NewOrchestrator wires the stores and codec. now overrides the clock; nil
// means time.Now.
func NewOrchestrator(
	sessions repository.SessionRepository,
	tokens repository.TokenRepository,
	codec *security.TokenCodec,
	now func() time.Time,
) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		sessions: sessions,
		tokens:   tokens,
		codec:    codec,
		now:      now,
	}
}

// Issue opens a new session for the user and binds a fresh access/refresh
// pair to it. The session expires with the refresh token and the expiry is
// fixed here; later rotations never extend it.
func (o *Orchestrator) Issue(ctx context.Context, q db.DBTX, spec IssueSpec) (*Credentials, error) {
	now := o.now().UTC()

	sess := &repository.Session{
		UserID:    spec.UserID,
		RoleID:    spec.RoleID,
		DeviceID:  spec.DeviceID,
		IPAddress: spec.IPAddress,
		UserAgent: spec.UserAgent,
		Note:      spec.Note,
		ExpiresAt: now.Add(o.codec.RefreshTTL()),
	}
	if err := o.sessions.Insert(ctx, q, sess); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return o.issueTokens(ctx, q, sess)
}

// VerifyRefresh checks the presented string cryptographically with the
// refresh key: signature, expiry, issuer, token type. It never touches the
// database; revocation and reuse state are Rotate's concern.
func (o *Orchestrator) VerifyRefresh(raw string) (*security.Claims, error) {
	claims, err := o.codec.VerifyRefresh(raw)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, ErrRefreshTokenInvalid
	}
	return claims, nil
}

// Rotate consumes a cryptographically valid refresh token and issues a
// replacement pair under the same session. The presented token is revoked in
// the same transaction, which is what makes each refresh token single-use.
//
// Presenting a token that is already revoked returns *ReuseError after
// revoking the owning session and everything bound to it; the caller commits
// that write and then fails the request.
func (o *Orchestrator) Rotate(ctx context.Context, q db.DBTX, raw string) (*Credentials, error) {
	now := o.now().UTC()

	token, err := o.tokens.GetByHash(ctx, q, security.HashToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if token.TokenType != string(security.RefreshTokenType) {
		return nil, ErrRefreshTokenInvalid
	}

	if token.IsRevoked {
		return nil, o.containReuse(ctx, q, token, now)
	}

	if !token.ExpiresAt.After(now) {
		return nil, ErrRefreshTokenExpired
	}
	if token.SessionID == nil {
		return nil, ErrRefreshTokenInvalid
	}

	sess, err := o.sessions.GetByID(ctx, q, *token.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotActive
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !sess.Active(now) {
		return nil, ErrSessionNotActive
	}

	// Consume the presented token, then retire any access tokens still
	// alive under this session so they cannot outlast the rotation.
	if err := o.tokens.Revoke(ctx, q, token.ID); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if _, err := o.tokens.RevokeActiveAccess(ctx, q, sess.ID, now); err != nil {
		return nil, fmt.Errorf("failed to revoke access tokens: %w", err)
	}

	return o.issueTokens(ctx, q, sess)
}

// containReuse revokes the owning session and all its tokens. A reused
// refresh token means the real client or an attacker holds a stale copy;
// either way every credential under that session is suspect.
func (o *Orchestrator) containReuse(ctx context.Context, q db.DBTX, token *repository.Token, now time.Time) error {
	reuse := &ReuseError{
		UserID:  token.UserID,
		TokenID: token.ID,
	}

	if token.SessionID == nil {
		// No owning session to contain; fall back to sweeping every live
		// token the user holds.
		revoked, err := o.tokens.RevokeAllByUser(ctx, q, token.UserID)
		if err != nil {
			return fmt.Errorf("failed to revoke user tokens: %w", err)
		}
		reuse.TokensRevoked = revoked
		return reuse
	}

	reuse.SessionID = *token.SessionID
	if err := o.sessions.Revoke(ctx, q, *token.SessionID, now, false); err != nil &&
		!errors.Is(err, repository.ErrSessionNotFound) {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	revoked, err := o.tokens.RevokeBySession(ctx, q, *token.SessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	reuse.TokensRevoked = revoked
	return reuse
}

// RevokeAllForUser revokes every active session the user owns and every
// live token, session-bound or not. Used by the single-session sweep at
// login and by password change.
func (o *Orchestrator) RevokeAllForUser(ctx context.Context, q db.DBTX, userID uuid.UUID, at time.Time) (sessions, tokens int64, err error) {
	revokedSessions, err := o.sessions.RevokeAllByUser(ctx, q, userID, at)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	revokedTokens, err := o.tokens.RevokeAllByUser(ctx, q, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return int64(len(revokedSessions)), revokedTokens, nil
}

// Revoke applies logout semantics to one session: revoked_at and
// logged_out_at are stamped and every bound token is revoked. Only a session
// owned by userID is touched. The call is idempotent; the returned bool
// reports whether this call actually transitioned the session, so the caller
// can audit the first logout and stay silent on replays.
func (o *Orchestrator) Revoke(ctx context.Context, q db.DBTX, userID, sessionID uuid.UUID, at time.Time) (bool, error) {
	sess, err := o.sessions.GetByID(ctx, q, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.UserID != userID {
		return false, nil
	}

	transitioned := sess.RevokedAt == nil || sess.LoggedOutAt == nil

	if err := o.sessions.Revoke(ctx, q, sessionID, at, true); err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	if _, err := o.tokens.RevokeBySession(ctx, q, sessionID); err != nil {
		return false, fmt.Errorf("failed to revoke session tokens: %w", err)
	}

	return transitioned, nil
}

// issueTokens signs an access/refresh pair bound to the session and persists
// both rows with SHA-256 hashes in place of the raw strings.
func (o *Orchestrator) issueTokens(ctx context.Context, q db.DBTX, sess *repository.Session) (*Credentials, error) {
	access, err := o.codec.SignAccess(sess.UserID, sess.RoleID, sess.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := o.codec.SignRefresh(sess.UserID, sess.RoleID, sess.ID)
	if err != nil {
		return nil, err
	}

	for _, issued := range []*security.IssuedToken{access, refresh} {
		row := &repository.Token{
			ID:        issued.ID,
			UserID:    sess.UserID,
			SessionID: &sess.ID,
			TokenType: string(issued.Type),
			TokenHash: issued.Hash,
			IssuedAt:  issued.IssuedAt,
			ExpiresAt: issued.ExpiresAt,
		}
		if err := o.tokens.Insert(ctx, q, row); err != nil {
			return nil, fmt.Errorf("failed to insert %s token: %w", issued.Type, err)
		}
	}

	return &Credentials{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		RoleID:           sess.RoleID,
		AccessToken:      access.Raw,
		RefreshToken:     refresh.Raw,
		AccessTokenID:    access.ID,
		RefreshTokenID:   refresh.ID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}
