package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/repository"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/security"
)

// fakeSessionRepo is a map-backed stand-in for the sessions table.
type fakeSessionRepo struct {
	rows map[uuid.UUID]*repository.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[uuid.UUID]*repository.Session)}
}

func (f *fakeSessionRepo) Insert(_ context.Context, _ db.DBTX, s *repository.Session) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	copied := *s
	f.rows[s.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) GetByID(_ context.Context, _ db.DBTX, id uuid.UUID) (*repository.Session, error) {
	s, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionRepo) RevokeAllByUser(_ context.Context, _ db.DBTX, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	var revoked []uuid.UUID
	for _, s := range f.rows {
		if s.UserID == userID && s.RevokedAt == nil {
			t := at
			s.RevokedAt = &t
			revoked = append(revoked, s.ID)
		}
	}
	return revoked, nil
}

func (f *fakeSessionRepo) Revoke(_ context.Context, _ db.DBTX, id uuid.UUID, at time.Time, markLogout bool) error {
	s, ok := f.rows[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if s.RevokedAt == nil {
		t := at
		s.RevokedAt = &t
	}
	if markLogout && s.LoggedOutAt == nil {
		t := at
		s.LoggedOutAt = &t
	}
	return nil
}

// fakeTokenRepo is a map-backed stand-in for the tokens table.
type fakeTokenRepo struct {
	byID   map[uuid.UUID]*repository.Token
	byHash map[string]*repository.Token
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{
		byID:   make(map[uuid.UUID]*repository.Token),
		byHash: make(map[string]*repository.Token),
	}
}

func (f *fakeTokenRepo) Insert(_ context.Context, _ db.DBTX, t *repository.Token) error {
	copied := *t
	f.byID[t.ID] = &copied
	f.byHash[t.TokenHash] = &copied
	return nil
}

func (f *fakeTokenRepo) GetByHash(_ context.Context, _ db.DBTX, hash string) (*repository.Token, error) {
	t, ok := f.byHash[hash]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTokenRepo) Revoke(_ context.Context, _ db.DBTX, id uuid.UUID) error {
	t, ok := f.byID[id]
	if !ok {
		return repository.ErrTokenNotFound
	}
	t.IsRevoked = true
	return nil
}

func (f *fakeTokenRepo) RevokeBySession(_ context.Context, _ db.DBTX, sessionID uuid.UUID) (int64, error) {
	var n int64
	for _, t := range f.byID {
		if t.SessionID != nil && *t.SessionID == sessionID && !t.IsRevoked {
			t.IsRevoked = true
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) RevokeAllByUser(_ context.Context, _ db.DBTX, userID uuid.UUID) (int64, error) {
	var n int64
	for _, t := range f.byID {
		if t.UserID == userID && !t.IsRevoked {
			t.IsRevoked = true
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) RevokeActiveAccess(_ context.Context, _ db.DBTX, sessionID uuid.UUID, now time.Time) (int64, error) {
	var n int64
	for _, t := range f.byID {
		if t.SessionID != nil && *t.SessionID == sessionID &&
			t.TokenType == "access" && !t.IsRevoked && t.ExpiresAt.After(now) {
			t.IsRevoked = true
			n++
		}
	}
	return n, nil
}

const (
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 7 * 24 * time.Hour
)

type fixture struct {
	orch     *Orchestrator
	sessions *fakeSessionRepo
	tokens   *fakeTokenRepo
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	start := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	codec, err := security.NewTokenCodec(security.TokenCodecConfig{
		AccessSecret:  "orchestrator-access-secret-key!!",
		RefreshSecret: "orchestrator-refresh-secret-key!",
		AccessTTL:     testAccessTTL,
		RefreshTTL:    testRefreshTTL,
		Issuer:        "erp-test",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}

	sessions := newFakeSessionRepo()
	tokens := newFakeTokenRepo()

	return &fixture{
		orch:     NewOrchestrator(sessions, tokens, codec, now),
		sessions: sessions,
		tokens:   tokens,
		clock:    clock,
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestIssueCreatesSessionAndHashedTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, roleID := uuid.New(), uuid.New()
	agent := "Mozilla/5.0"

	creds, err := f.orch.Issue(ctx, nil, IssueSpec{
		UserID:    userID,
		RoleID:    roleID,
		UserAgent: &agent,
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	sess, err := f.sessions.GetByID(ctx, nil, creds.SessionID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if !sess.Active(*f.clock) {
		t.Error("new session is not active")
	}
	if want := f.clock.Add(testRefreshTTL); !sess.ExpiresAt.Equal(want) {
		t.Errorf("session expires at %v, want %v", sess.ExpiresAt, want)
	}
	if sess.UserAgent == nil || *sess.UserAgent != agent {
		t.Error("session metadata not persisted")
	}

	if len(f.tokens.byID) != 2 {
		t.Fatalf("persisted %d token rows, want 2", len(f.tokens.byID))
	}
	for _, raw := range []string{creds.AccessToken, creds.RefreshToken} {
		row, ok := f.tokens.byHash[security.HashToken(raw)]
		if !ok {
			t.Fatal("token row not findable by hash of the raw string")
		}
		if row.TokenHash == raw {
			t.Error("raw token string was persisted")
		}
		if row.SessionID == nil || *row.SessionID != creds.SessionID {
			t.Error("token row not bound to the session")
		}
		if row.IsRevoked {
			t.Error("fresh token row is revoked")
		}
	}

	accessRow := f.tokens.byID[creds.AccessTokenID]
	if accessRow == nil || accessRow.TokenType != "access" {
		t.Error("access token row missing or mistyped")
	}
	refreshRow := f.tokens.byID[creds.RefreshTokenID]
	if refreshRow == nil || refreshRow.TokenType != "refresh" {
		t.Error("refresh token row missing or mistyped")
	}
}

func TestVerifyRefreshMapsCodecErrors(t *testing.T) {
	f := newFixture(t)
	creds, err := f.orch.Issue(context.Background(), nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := f.orch.VerifyRefresh(creds.RefreshToken); err != nil {
		t.Fatalf("valid refresh token rejected: %v", err)
	}
	// Access tokens are signed with the other key.
	if _, err := f.orch.VerifyRefresh(creds.AccessToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("access token error = %v, want ErrRefreshTokenInvalid", err)
	}
	if _, err := f.orch.VerifyRefresh("garbage"); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("garbage error = %v, want ErrRefreshTokenInvalid", err)
	}

	f.advance(testRefreshTTL + time.Minute)
	if _, err := f.orch.VerifyRefresh(creds.RefreshToken); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("expired token error = %v, want ErrRefreshTokenExpired", err)
	}
}

func TestRotateIssuesNewPairAndConsumesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	f.advance(time.Hour)
	rotated, err := f.orch.Rotate(ctx, nil, creds.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if rotated.SessionID != creds.SessionID {
		t.Error("rotation moved the tokens to a different session")
	}
	if rotated.AccessToken == creds.AccessToken || rotated.RefreshToken == creds.RefreshToken {
		t.Error("rotation reissued an identical token")
	}

	// The consumed refresh token and the superseded access token are both
	// revoked; the replacements are live.
	if !f.tokens.byID[creds.RefreshTokenID].IsRevoked {
		t.Error("consumed refresh token is still live")
	}
	if !f.tokens.byID[creds.AccessTokenID].IsRevoked {
		t.Error("superseded access token is still live")
	}
	if f.tokens.byID[rotated.AccessTokenID].IsRevoked || f.tokens.byID[rotated.RefreshTokenID].IsRevoked {
		t.Error("freshly rotated tokens are revoked")
	}

	// Rotation never extends the session.
	sess, _ := f.sessions.GetByID(ctx, nil, creds.SessionID)
	if want := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC).Add(testRefreshTTL); !sess.ExpiresAt.Equal(want) {
		t.Errorf("session expiry moved to %v, want %v", sess.ExpiresAt, want)
	}
}

func TestRotateReuseRevokesWholeSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	rotated, err := f.orch.Rotate(ctx, nil, creds.RefreshToken)
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Replaying the consumed token is reuse: the session and every token
	// under it must die, including the replacements just issued.
	_, err = f.orch.Rotate(ctx, nil, creds.RefreshToken)
	var reuse *ReuseError
	if !errors.As(err, &reuse) {
		t.Fatalf("replay error = %v, want *ReuseError", err)
	}
	if reuse.SessionID != creds.SessionID {
		t.Errorf("reuse names session %s, want %s", reuse.SessionID, creds.SessionID)
	}
	if reuse.TokensRevoked == 0 {
		t.Error("reuse containment revoked no tokens")
	}

	sess, _ := f.sessions.GetByID(ctx, nil, creds.SessionID)
	if sess.RevokedAt == nil {
		t.Fatal("owning session survived reuse detection")
	}
	if !f.tokens.byID[rotated.AccessTokenID].IsRevoked || !f.tokens.byID[rotated.RefreshTokenID].IsRevoked {
		t.Error("replacement tokens survived reuse containment")
	}

	// And the replacement refresh token is now unusable too.
	if _, err := f.orch.Rotate(ctx, nil, rotated.RefreshToken); err == nil {
		t.Error("rotation with a token from the contained session succeeded")
	}
}

func TestRotateRejectsAccessTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := f.orch.Rotate(ctx, nil, creds.AccessToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("rotating an access token = %v, want ErrRefreshTokenInvalid", err)
	}
	if _, err := f.orch.Rotate(ctx, nil, "unknown-token"); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("rotating an unknown token = %v, want ErrRefreshTokenInvalid", err)
	}
}

func TestRotateRejectsExpiredStoreRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	sessID := uuid.New()

	// A row whose store-side expiry already passed, regardless of what the
	// signed claims would say.
	raw := "stale-refresh-token"
	f.sessions.rows[sessID] = &repository.Session{
		ID:        sessID,
		UserID:    userID,
		ExpiresAt: f.clock.Add(time.Hour),
	}
	stale := &repository.Token{
		ID:        uuid.New(),
		UserID:    userID,
		SessionID: &sessID,
		TokenType: "refresh",
		TokenHash: security.HashToken(raw),
		IssuedAt:  f.clock.Add(-2 * time.Hour),
		ExpiresAt: f.clock.Add(-time.Hour),
	}
	f.tokens.byID[stale.ID] = stale
	f.tokens.byHash[stale.TokenHash] = stale

	if _, err := f.orch.Rotate(ctx, nil, raw); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Errorf("expired row error = %v, want ErrRefreshTokenExpired", err)
	}
}

func TestRotateRejectsInactiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Session expires while the refresh token is technically still stored.
	f.advance(testRefreshTTL + time.Minute)
	if _, err := f.orch.Rotate(ctx, nil, creds.RefreshToken); !errors.Is(err, ErrRefreshTokenExpired) {
		// Token row and session share an expiry here, so the token check
		// fires first.
		t.Errorf("error = %v, want ErrRefreshTokenExpired", err)
	}

	// A revoked-but-unexpired session refuses rotation outright.
	g := newFixture(t)
	creds2, err := g.orch.Issue(ctx, nil, IssueSpec{UserID: uuid.New(), RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := g.sessions.Revoke(ctx, nil, creds2.SessionID, *g.clock, false); err != nil {
		t.Fatalf("failed to revoke session: %v", err)
	}
	if _, err := g.orch.Rotate(ctx, nil, creds2.RefreshToken); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("revoked session error = %v, want ErrSessionNotActive", err)
	}
}

func TestRevokeAllForUserSweepsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, roleID := uuid.New(), uuid.New()
	otherUser := uuid.New()

	if _, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: userID, RoleID: roleID}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: userID, RoleID: roleID}); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	otherCreds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: otherUser, RoleID: roleID})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	sessions, tokens, err := f.orch.RevokeAllForUser(ctx, nil, userID, *f.clock)
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if sessions != 2 {
		t.Errorf("revoked %d sessions, want 2", sessions)
	}
	if tokens != 4 {
		t.Errorf("revoked %d tokens, want 4", tokens)
	}

	// The other user's session is untouched.
	otherSess, _ := f.sessions.GetByID(ctx, nil, otherCreds.SessionID)
	if otherSess.RevokedAt != nil {
		t.Error("sweep crossed user boundaries")
	}

	// Second sweep finds nothing left to revoke.
	sessions, tokens, err = f.orch.RevokeAllForUser(ctx, nil, userID, *f.clock)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if sessions != 0 || tokens != 0 {
		t.Errorf("second sweep revoked %d sessions / %d tokens, want 0 / 0", sessions, tokens)
	}
}

func TestRevokeLogoutSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: userID, RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	transitioned, err := f.orch.Revoke(ctx, nil, userID, creds.SessionID, *f.clock)
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !transitioned {
		t.Error("first logout did not report a transition")
	}

	sess, _ := f.sessions.GetByID(ctx, nil, creds.SessionID)
	if sess.RevokedAt == nil || sess.LoggedOutAt == nil {
		t.Error("logout did not stamp revoked_at and logged_out_at")
	}
	if !f.tokens.byID[creds.AccessTokenID].IsRevoked || !f.tokens.byID[creds.RefreshTokenID].IsRevoked {
		t.Error("logout left session tokens live")
	}

	// Replay: no error, no transition.
	transitioned, err = f.orch.Revoke(ctx, nil, userID, creds.SessionID, *f.clock)
	if err != nil {
		t.Fatalf("repeated Revoke errored: %v", err)
	}
	if transitioned {
		t.Error("second logout reported a transition")
	}
}

func TestRevokeIgnoresForeignAndMissingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	creds, err := f.orch.Issue(ctx, nil, IssueSpec{UserID: owner, RoleID: uuid.New()})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// A different user cannot log out someone else's session.
	transitioned, err := f.orch.Revoke(ctx, nil, uuid.New(), creds.SessionID, *f.clock)
	if err != nil || transitioned {
		t.Errorf("foreign revoke = (%v, %v), want (false, nil)", transitioned, err)
	}
	sess, _ := f.sessions.GetByID(ctx, nil, creds.SessionID)
	if sess.RevokedAt != nil {
		t.Error("foreign revoke touched the session")
	}

	// Unknown session id is a quiet no-op.
	transitioned, err = f.orch.Revoke(ctx, nil, owner, uuid.New(), *f.clock)
	if err != nil || transitioned {
		t.Errorf("missing-session revoke = (%v, %v), want (false, nil)", transitioned, err)
	}
}
