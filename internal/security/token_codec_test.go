package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func newTestCodec(t rapid.TB, now func() time.Time) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(TokenCodecConfig{
		AccessSecret:  "test-access-secret-key-32-chars!",
		RefreshSecret: "test-refresh-secret-key-32-char!",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "test-issuer",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}
	return codec
}

func TestSignVerifyCarriesIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		codec := newTestCodec(t, nil)

		userID := uuid.MustParse(rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "userID"))
		roleID := uuid.New()
		sessionID := uuid.New()

		access, err := codec.SignAccess(userID, roleID, sessionID)
		if err != nil {
			t.Fatalf("SignAccess failed: %v", err)
		}
		refresh, err := codec.SignRefresh(userID, roleID, sessionID)
		if err != nil {
			t.Fatalf("SignRefresh failed: %v", err)
		}

		accessClaims, err := codec.VerifyAccess(access.Raw)
		if err != nil {
			t.Fatalf("VerifyAccess failed: %v", err)
		}
		refreshClaims, err := codec.VerifyRefresh(refresh.Raw)
		if err != nil {
			t.Fatalf("VerifyRefresh failed: %v", err)
		}

		for _, claims := range []*Claims{accessClaims, refreshClaims} {
			if claims.UserID() != userID.String() {
				t.Errorf("sub = %s, want %s", claims.UserID(), userID)
			}
			if claims.Role != roleID.String() {
				t.Errorf("role = %s, want %s", claims.Role, roleID)
			}
			if claims.SessionID != sessionID.String() {
				t.Errorf("sid = %s, want %s", claims.SessionID, sessionID)
			}
			if claims.IssuedAt == nil || claims.ExpiresAt == nil {
				t.Error("missing iat/exp claims")
			}
		}

		// jti doubles as the persisted token row id.
		if accessClaims.ID != access.ID.String() {
			t.Errorf("access jti = %s, want %s", accessClaims.ID, access.ID)
		}
		if refreshClaims.ID != refresh.ID.String() {
			t.Errorf("refresh jti = %s, want %s", refreshClaims.ID, refresh.ID)
		}
	})
}

func TestSignUsesHS256AndThreePartFormat(t *testing.T) {
	codec := newTestCodec(t, nil)

	issued, err := codec.SignAccess(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("SignAccess failed: %v", err)
	}

	if parts := strings.Split(issued.Raw, "."); len(parts) != 3 {
		t.Fatalf("token has %d parts, want 3", len(parts))
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(issued.Raw, &Claims{})
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if token.Method.Alg() != "HS256" {
		t.Errorf("alg = %s, want HS256", token.Method.Alg())
	}
}

func TestVerifyRejectsCrossTypeAndCrossKey(t *testing.T) {
	codec := newTestCodec(t, nil)

	access, err := codec.SignAccess(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("SignAccess failed: %v", err)
	}
	refresh, err := codec.SignRefresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("SignRefresh failed: %v", err)
	}

	// An access token is never a valid refresh token, and vice versa: the
	// keys differ, so verification fails before the type check even runs.
	if _, err := codec.VerifyRefresh(access.Raw); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyRefresh(access) = %v, want ErrTokenInvalid", err)
	}
	if _, err := codec.VerifyAccess(refresh.Raw); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyAccess(refresh) = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	codec := newTestCodec(t, nil)

	issued, err := codec.SignRefresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("SignRefresh failed: %v", err)
	}

	// Flip a character in the payload segment.
	parts := strings.Split(issued.Raw, ".")
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := codec.VerifyRefresh(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("tampered token error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyDistinguishesExpiredFromInvalid(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	codec := newTestCodec(t, func() time.Time { return clock })

	issued, err := codec.SignRefresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("SignRefresh failed: %v", err)
	}

	// Still valid just before expiry.
	clock = base.Add(7*24*time.Hour - time.Minute)
	if _, err := codec.VerifyRefresh(issued.Raw); err != nil {
		t.Fatalf("token rejected before expiry: %v", err)
	}

	// Expired just after.
	clock = base.Add(7*24*time.Hour + time.Minute)
	if _, err := codec.VerifyRefresh(issued.Raw); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}

	if _, err := codec.VerifyRefresh("not.a.jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("garbage token error = %v, want ErrTokenInvalid", err)
	}
}

func TestNewTokenCodecRejectsMisconfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  TokenCodecConfig
	}{
		{"missing access secret", TokenCodecConfig{RefreshSecret: "r", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"missing refresh secret", TokenCodecConfig{AccessSecret: "a", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"equal secrets", TokenCodecConfig{AccessSecret: "same", RefreshSecret: "same", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"zero access ttl", TokenCodecConfig{AccessSecret: "a", RefreshSecret: "r", RefreshTTL: time.Hour}},
		{"negative refresh ttl", TokenCodecConfig{AccessSecret: "a", RefreshSecret: "r", AccessTTL: time.Minute, RefreshTTL: -time.Hour}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTokenCodec(tc.cfg); err == nil {
				t.Error("misconfigured codec constructed without error")
			}
		})
	}
}

func TestHashTokenShape(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.StringMatching(`[A-Za-z0-9._-]{10,200}`).Draw(t, "raw")

		hash := HashToken(raw)

		if hash == raw {
			t.Fatal("hash equals the raw token")
		}
		if len(hash) != 64 {
			t.Fatalf("hash length = %d, want 64", len(hash))
		}
		if HashToken(raw) != hash {
			t.Fatal("hash is not deterministic")
		}
		for _, c := range hash {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
				t.Fatalf("hash contains non-hex character %q", c)
			}
		}
	})
}
