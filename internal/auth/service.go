// Package auth implements the authentication flows of the ERP backend:
// password login with lockout, single-session enforcement, refresh-token
// rotation, logout, and password change with history-based reuse prevention.
//
// Every flow runs inside one transaction opened here; repositories and the
// session orchestrator receive the handle explicitly. Audit events and
// metrics are emitted only after commit and never affect the outcome.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/apperror"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/audit"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/lockout"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/logger"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/metrics"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/repository"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/sanitizer"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/session"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/status"
)

// invalidCredentialsMessage is returned for unknown email, wrong password,
// and inactive account alike, so responses never reveal which one it was.
const invalidCredentialsMessage = "invalid email or password"

// passwordHistoryLimit caps the stored password history, newest first. The
// current hash occupies the first slot, so the window covers the last five
// passwords including the current one.
const passwordHistoryLimit = 5

// Validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// PasswordHasher abstracts the argon2id hasher so tests can substitute a
// cheap implementation.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

// ClientMetadata is what the transport layer knows about the caller. All
// fields are optional; they are sanitized before persistence.
type ClientMetadata struct {
	IPAddress *string
	UserAgent *string
	DeviceID  *string
	Note      *string
}

// LoginRequest carries the login inputs.
type LoginRequest struct {
	Email    string         `validate:"required,email"`
	Password string         `validate:"required"`
	Metadata ClientMetadata `validate:"-"`
}

// LoginResult is returned on successful login. LastLogin is the previous
// successful login time, nil on first login. The raw token strings appear
// here exactly once; nothing downstream stores or logs them.
type LoginResult struct {
	UserID           uuid.UUID
	SessionID        uuid.UUID
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	LastLogin        *time.Time
}

// RefreshResult is the replacement pair issued by a rotation.
type RefreshResult struct {
	UserID           uuid.UUID
	SessionID        uuid.UUID
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ChangePasswordRequest carries the password-change inputs.
type ChangePasswordRequest struct {
	UserID          uuid.UUID `validate:"required"`
	CurrentPassword string    `validate:"required"`
	NewPassword     string    `validate:"required,nefield=CurrentPassword"`
}

// AuthServiceDeps collects the collaborators of AuthService. Begin,
// AuthRepo, Sessions, Hasher, and Statuses are required; the rest default to
// working no-op or stdlib implementations.
type AuthServiceDeps struct {
	Begin     db.Beginner
	AuthRepo  repository.AuthRepository
	Sessions  *session.Orchestrator
	Hasher    PasswordHasher
	Strength  StrengthPolicy
	Statuses  *status.Directory
	Sanitizer *sanitizer.MetadataSanitizer
	Recorder  audit.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// AuthService handles authentication business logic.
type AuthService struct {
	begin     db.Beginner
	authRepo  repository.AuthRepository
	sessions  *session.Orchestrator
	hasher    PasswordHasher
	strength  StrengthPolicy
	statuses  *status.Directory
	sanitizer *sanitizer.MetadataSanitizer
	recorder  audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthService creates a new AuthService instance.
func NewAuthService(deps AuthServiceDeps) (*AuthService, error) {
	switch {
	case deps.Begin == nil:
		return nil, errors.New("auth: Begin is required")
	case deps.AuthRepo == nil:
		return nil, errors.New("auth: AuthRepo is required")
	case deps.Sessions == nil:
		return nil, errors.New("auth: Sessions is required")
	case deps.Hasher == nil:
		return nil, errors.New("auth: Hasher is required")
	case deps.Statuses == nil:
		return nil, errors.New("auth: Statuses is required")
	}

	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitizer.NewMetadataSanitizer()
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &AuthService{
		begin:     deps.Begin,
		authRepo:  deps.AuthRepo,
		sessions:  deps.Sessions,
		hasher:    deps.Hasher,
		strength:  deps.Strength,
		statuses:  deps.Statuses,
		sanitizer: deps.Sanitizer,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		now:       deps.Now,
	}, nil
}

// Login authenticates a user by email and password and opens their single
// active session, revoking any previous ones. A failed attempt persists the
// incremented counter even though the login itself fails.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, loginValidationError(err)
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	meta := s.sanitizeMetadata(req.Metadata)
	now := s.now().UTC()

	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return nil, apperror.Database("begin login transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	record, err := s.authRepo.GetForLoginByEmail(ctx, tx, email, s.statuses.ActiveID())
	if err != nil {
		if errors.Is(err, repository.ErrAuthRecordNotFound) {
			// Unknown email, inactive account, and wrong password all read
			// the same from outside.
			metrics.LoginAttemptsTotal.WithLabelValues(metrics.ResultInvalidCredentials).Inc()
			s.recorder.Record(ctx, loginEvent(audit.EventLoginFailed, nil, nil, email, meta, now))
			return nil, apperror.Authentication(invalidCredentialsMessage)
		}
		return nil, apperror.Database("load auth record", err)
	}

	if lockout.IsLocked(record.LockoutUntil, now) {
		metrics.LoginAttemptsTotal.WithLabelValues(metrics.ResultLocked).Inc()
		s.recorder.Record(ctx, loginEvent(audit.EventAccountLocked, &record.UserID, nil, email, meta, now))
		s.log(ctx).Info("login rejected, account locked",
			slog.String("user_id", record.UserID.String()),
			slog.Time("lockout_until", *record.LockoutUntil),
		)
		return nil, apperror.AccountLocked(*record.LockoutUntil)
	}

	ok, err := s.verifyPassword(req.Password, record.PasswordHash)
	if err != nil {
		return nil, apperror.Service("verify password", err)
	}
	if !ok {
		return nil, s.failLogin(ctx, tx, record, email, meta, now)
	}

	if err := s.authRepo.ResetFailedAttempts(ctx, tx, record.UserID, now); err != nil {
		return nil, apperror.Database("reset failed attempts", err)
	}

	// Single-session policy: a new login displaces everything that came
	// before it.
	sessionsRevoked, _, err := s.sessions.RevokeAllForUser(ctx, tx, record.UserID, now)
	if err != nil {
		return nil, apperror.Service("revoke previous sessions", err)
	}

	creds, err := s.sessions.Issue(ctx, tx, session.IssueSpec{
		UserID:    record.UserID,
		RoleID:    record.RoleID,
		DeviceID:  meta.DeviceID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Note:      meta.Note,
	})
	if err != nil {
		return nil, apperror.Service("issue session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Database("commit login", err)
	}

	metrics.LoginAttemptsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	if sessionsRevoked > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues(metrics.ReasonLoginSweep).Add(float64(sessionsRevoked))
	}

	s.recorder.Record(ctx, loginEvent(audit.EventLoginSuccess, &record.UserID, &creds.SessionID, email, meta, now))
	s.recorder.Record(ctx, audit.Event{
		Type:       audit.ActionTokenIssued,
		OccurredAt: now,
		UserID:     &record.UserID,
		SessionID:  &creds.SessionID,
		Detail: map[string]any{
			"access_jti":  creds.AccessTokenID.String(),
			"refresh_jti": creds.RefreshTokenID.String(),
		},
	})

	s.log(ctx).Info("login succeeded",
		slog.String("user_id", record.UserID.String()),
		slog.String("session_id", creds.SessionID.String()),
		slog.Int64("sessions_revoked", sessionsRevoked),
	)

	return &LoginResult{
		UserID:           record.UserID,
		SessionID:        creds.SessionID,
		AccessToken:      creds.AccessToken,
		RefreshToken:     creds.RefreshToken,
		AccessExpiresAt:  creds.AccessExpiresAt,
		RefreshExpiresAt: creds.RefreshExpiresAt,
		LastLogin:        record.LastLogin,
	}, nil
}

// failLogin persists the incremented failed-attempt counter and commits it.
// The counter write is the primary side effect of a failed attempt and must
// survive the failed login, so this commit happens even though the caller
// gets an error.
func (s *AuthService) failLogin(
	ctx context.Context,
	tx db.Tx,
	record *repository.AuthRecord,
	email string,
	meta ClientMetadata,
	now time.Time,
) error {
	newCount, lockoutUntil := lockout.NextFailure(record.FailedAttempts, now)

	if err := s.authRepo.RecordFailedAttempt(ctx, tx, record.UserID, newCount, lockoutUntil); err != nil {
		return apperror.Database("record failed attempt", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Database("commit failed attempt", err)
	}

	metrics.LoginAttemptsTotal.WithLabelValues(metrics.ResultInvalidCredentials).Inc()
	if lockoutUntil != nil {
		metrics.LockoutsTotal.Inc()
	}
	s.recorder.Record(ctx, loginEvent(audit.EventLoginFailed, &record.UserID, nil, email, meta, now))

	s.log(ctx).Info("login failed",
		slog.String("user_id", record.UserID.String()),
		slog.Int("failed_attempts", newCount),
		slog.Bool("locked", lockoutUntil != nil),
	)

	return apperror.Authentication(invalidCredentialsMessage)
}

// RefreshToken consumes a refresh token and returns a replacement pair bound
// to the same session. Presenting an already-consumed token revokes the whole
// session before the call fails.
func (s *AuthService) RefreshToken(ctx context.Context, rawToken string) (*RefreshResult, error) {
	if strings.TrimSpace(rawToken) == "" {
		metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, apperror.Authentication("invalid refresh token")
	}

	// Cryptographic check first: signature, expiry, issuer, token type.
	// Garbage never reaches the database.
	if _, err := s.sessions.VerifyRefresh(rawToken); err != nil {
		return nil, s.refreshFailure(err)
	}

	now := s.now().UTC()

	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return nil, apperror.Database("begin refresh transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	creds, err := s.sessions.Rotate(ctx, tx, rawToken)
	if err != nil {
		var reuse *session.ReuseError
		if errors.As(err, &reuse) {
			// The containment write (session + tokens revoked) must outlive
			// this failed call.
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return nil, apperror.Database("commit reuse containment", commitErr)
			}
			s.reportReuse(ctx, reuse, now)
			return nil, apperror.Authentication("invalid refresh token")
		}
		return nil, s.refreshFailure(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.Database("commit refresh", err)
	}

	metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()

	tokenType := "refresh"
	s.recorder.Record(ctx, audit.Event{
		Type:       audit.ActionTokenRotated,
		OccurredAt: now,
		UserID:     &creds.UserID,
		SessionID:  &creds.SessionID,
		TokenType:  &tokenType,
		Detail: map[string]any{
			"access_jti":  creds.AccessTokenID.String(),
			"refresh_jti": creds.RefreshTokenID.String(),
		},
	})

	return &RefreshResult{
		UserID:           creds.UserID,
		SessionID:        creds.SessionID,
		AccessToken:      creds.AccessToken,
		RefreshToken:     creds.RefreshToken,
		AccessExpiresAt:  creds.AccessExpiresAt,
		RefreshExpiresAt: creds.RefreshExpiresAt,
	}, nil
}

// refreshFailure maps an orchestrator error to the API error and counts it.
func (s *AuthService) refreshFailure(err error) error {
	switch {
	case errors.Is(err, session.ErrRefreshTokenExpired):
		metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultExpired).Inc()
		return apperror.Authentication("refresh token expired")
	case errors.Is(err, session.ErrSessionNotActive):
		metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return apperror.Authentication("session is no longer active")
	case errors.Is(err, session.ErrRefreshTokenInvalid):
		metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return apperror.Authentication("invalid refresh token")
	default:
		metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultError).Inc()
		return apperror.Service("rotate refresh token", err)
	}
}

// reportReuse emits the metrics, audit event, and log line for a detected
// refresh-token replay. The containment itself is already committed.
func (s *AuthService) reportReuse(ctx context.Context, reuse *session.ReuseError, now time.Time) {
	metrics.TokenReuseDetectedTotal.Inc()
	metrics.TokenRotationsTotal.WithLabelValues(metrics.ResultReuseDetected).Inc()

	event := audit.Event{
		Type:       audit.ActionReuseDetected,
		OccurredAt: now,
		UserID:     &reuse.UserID,
		Detail: map[string]any{
			"token_id":       reuse.TokenID.String(),
			"tokens_revoked": reuse.TokensRevoked,
		},
	}
	if reuse.SessionID != uuid.Nil {
		event.SessionID = &reuse.SessionID
		metrics.SessionsRevokedTotal.WithLabelValues(metrics.ReasonReuse).Inc()
	}
	tokenType := "refresh"
	event.TokenType = &tokenType
	s.recorder.Record(ctx, event)

	s.log(ctx).Warn("refresh token reuse detected, session revoked",
		slog.String("user_id", reuse.UserID.String()),
		slog.String("session_id", reuse.SessionID.String()),
		slog.Int64("tokens_revoked", reuse.TokensRevoked),
	)
}

// Logout revokes one session of the user together with its tokens. A nil
// user or session id is a no-op, and repeated calls stay successful; only
// the call that actually transitioned the session emits an audit event.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID uuid.UUID) error {
	if userID == uuid.Nil || sessionID == uuid.Nil {
		return nil
	}

	now := s.now().UTC()

	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return apperror.Database("begin logout transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitioned, err := s.sessions.Revoke(ctx, tx, userID, sessionID, now)
	if err != nil {
		return apperror.Service("revoke session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.Database("commit logout", err)
	}

	if transitioned {
		metrics.LogoutsTotal.Inc()
		metrics.SessionsRevokedTotal.WithLabelValues(metrics.ReasonLogout).Inc()
		s.recorder.Record(ctx, audit.Event{
			Type:       audit.EventLogout,
			OccurredAt: now,
			UserID:     &userID,
			SessionID:  &sessionID,
		})
		s.log(ctx).Info("logout",
			slog.String("user_id", userID.String()),
			slog.String("session_id", sessionID.String()),
		)
	}

	return nil
}

// ChangePassword verifies the current password, enforces the strength policy
// and the five-password reuse window, persists the new hash plus history, and
// revokes every session of the user, all in one transaction.
func (s *AuthService) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if err := validate.Struct(req); err != nil {
		return changePasswordValidationError(err)
	}

	now := s.now().UTC()

	tx, err := s.begin.Begin(ctx)
	if err != nil {
		return apperror.Database("begin password change transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	record, err := s.authRepo.GetAndLockByUserID(ctx, tx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrAuthRecordNotFound) {
			// The caller is already authenticated, so absence is an anomaly,
			// not an enumeration concern.
			return apperror.NotFound("auth record not found")
		}
		return apperror.Database("load auth record", err)
	}

	ok, err := s.verifyPassword(req.CurrentPassword, record.PasswordHash)
	if err != nil {
		return apperror.Service("verify current password", err)
	}
	if !ok {
		metrics.PasswordChangesTotal.WithLabelValues(metrics.ResultInvalidCredentials).Inc()
		return apperror.Authentication("current password is incorrect")
	}

	if s.strength != nil {
		if err := s.strength.Check(req.NewPassword); err != nil {
			metrics.PasswordChangesTotal.WithLabelValues(metrics.ResultRejected).Inc()
			return apperror.Validation(err.Error())
		}
	}

	reused, err := s.matchesRecentPassword(req.NewPassword, record)
	if err != nil {
		return apperror.Service("check password history", err)
	}
	if reused {
		metrics.PasswordChangesTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return apperror.Validation("cannot reuse a recent password")
	}

	newHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return apperror.Service("hash new password", err)
	}

	history := append(
		[]repository.PasswordHistoryEntry{{PasswordHash: newHash, ChangedAt: now}},
		record.PasswordHistory...,
	)
	if len(history) > passwordHistoryLimit {
		history = history[:passwordHistoryLimit]
	}

	if err := s.authRepo.UpdatePasswordAndHistory(ctx, tx, req.UserID, newHash, history); err != nil {
		return apperror.Database("update password", err)
	}

	// Every credential minted under the old password dies with it.
	sessionsRevoked, tokensRevoked, err := s.sessions.RevokeAllForUser(ctx, tx, req.UserID, now)
	if err != nil {
		return apperror.Service("revoke sessions after password change", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.Database("commit password change", err)
	}

	metrics.PasswordChangesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	if sessionsRevoked > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues(metrics.ReasonPasswordChange).Add(float64(sessionsRevoked))
	}

	s.recorder.Record(ctx, audit.Event{
		Type:       audit.EventPasswordChanged,
		OccurredAt: now,
		UserID:     &req.UserID,
		Email:      &record.Email,
	})
	s.recorder.Record(ctx, audit.Event{
		Type:       audit.ActionTokenRevoked,
		OccurredAt: now,
		UserID:     &req.UserID,
		Detail: map[string]any{
			"reason":           "password_change",
			"sessions_revoked": sessionsRevoked,
			"tokens_revoked":   tokensRevoked,
		},
	})

	s.log(ctx).Info("password changed",
		slog.String("user_id", req.UserID.String()),
		slog.Int64("sessions_revoked", sessionsRevoked),
	)

	return nil
}

// matchesRecentPassword reports whether the candidate equals the current
// password or any history entry. The current hash normally sits at the head
// of the history; checking it separately covers records seeded without one.
func (s *AuthService) matchesRecentPassword(candidate string, record *repository.AuthRecord) (bool, error) {
	ok, err := s.hasher.Verify(candidate, record.PasswordHash)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	for _, entry := range record.PasswordHistory {
		ok, err := s.hasher.Verify(candidate, entry.PasswordHash)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// log returns the service logger tagged with the request id from ctx when
// the transport layer set one.
func (s *AuthService) log(ctx context.Context) *slog.Logger {
	return logger.WithRequestID(ctx, s.logger)
}

// verifyPassword times the argon2id verification; everything else is the
// hasher's.
func (s *AuthService) verifyPassword(password, encodedHash string) (bool, error) {
	start := time.Now()
	ok, err := s.hasher.Verify(password, encodedHash)
	metrics.PasswordVerifyDuration.Observe(time.Since(start).Seconds())
	return ok, err
}

func (s *AuthService) sanitizeMetadata(meta ClientMetadata) ClientMetadata {
	return ClientMetadata{
		IPAddress: s.sanitizer.IPAddress(meta.IPAddress),
		UserAgent: s.sanitizer.UserAgent(meta.UserAgent),
		DeviceID:  s.sanitizer.DeviceID(meta.DeviceID),
		Note:      s.sanitizer.Note(meta.Note),
	}
}

// loginEvent builds a login-history audit event from the request context.
func loginEvent(eventType string, userID, sessionID *uuid.UUID, email string, meta ClientMetadata, at time.Time) audit.Event {
	return audit.Event{
		Type:       eventType,
		OccurredAt: at,
		UserID:     userID,
		SessionID:  sessionID,
		Email:      &email,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	}
}

func loginValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		switch fieldErrs[0].Field() {
		case "Email":
			return apperror.Validation("a valid email is required")
		case "Password":
			return apperror.Validation("password is required")
		}
	}
	return apperror.Validation("invalid login request")
}

func changePasswordValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		switch {
		case first.Field() == "UserID":
			return apperror.Validation("user id is required")
		case first.Field() == "CurrentPassword":
			return apperror.Validation("current password is required")
		case first.Field() == "NewPassword" && first.Tag() == "nefield":
			return apperror.Validation("new password must differ from the current password")
		case first.Field() == "NewPassword":
			return apperror.Validation("new password is required")
		}
	}
	return apperror.Validation("invalid password change request")
}
