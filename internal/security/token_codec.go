package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType discriminates access from refresh tokens inside the signed
// claims, so a token presented against the wrong key or endpoint is rejected
// even before any database lookup.
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Codec verification errors. Callers map these onto domain errors; the
// distinction between "expired" and anything else is the only one exposed.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the JWT payload for both token types. Subject carries the user
// id, SessionID the owning session, and ID (jti) doubles as the persisted
// token row id.
type Claims struct {
	Role      string    `json:"role,omitempty"`
	Type      TokenType `json:"typ"`
	SessionID string    `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenCodec signs and verifies the two token kinds with independent HMAC
// keys and independently configured lifetimes.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// TokenCodecConfig holds construction parameters for TokenCodec.
type TokenCodecConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewTokenCodec validates the key/TTL configuration and returns a codec.
// Configuration failures here are meant to abort startup.
func NewTokenCodec(cfg TokenCodecConfig) (*TokenCodec, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("token codec requires both signing secrets")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh signing secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           now,
	}, nil
}

// IssuedToken is one freshly signed token plus the metadata the token store
// persists. Raw is handed to the caller exactly once and never stored.
type IssuedToken struct {
	ID        uuid.UUID
	Type      TokenType
	Raw       string
	Hash      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SignAccess signs a new access token for the user/role/session triple.
func (c *TokenCodec) SignAccess(userID, roleID, sessionID uuid.UUID) (*IssuedToken, error) {
	return c.sign(AccessTokenType, c.accessSecret, c.accessTTL, userID, roleID, sessionID)
}

// SignRefresh signs a new refresh token for the user/role/session triple.
func (c *TokenCodec) SignRefresh(userID, roleID, sessionID uuid.UUID) (*IssuedToken, error) {
	return c.sign(RefreshTokenType, c.refreshSecret, c.refreshTTL, userID, roleID, sessionID)
}

func (c *TokenCodec) sign(tokenType TokenType, secret []byte, ttl time.Duration, userID, roleID, sessionID uuid.UUID) (*IssuedToken, error) {
	now := c.now()
	expiresAt := now.Add(ttl)
	tokenID := uuid.New()

	claims := Claims{
		Role:      roleID.String(),
		Type:      tokenType,
		SessionID: sessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID.String(),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return &IssuedToken{
		ID:        tokenID,
		Type:      tokenType,
		Raw:       raw,
		Hash:      HashToken(raw),
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccess checks signature, expiry, issuer, and token type with the
// access key.
func (c *TokenCodec) VerifyAccess(raw string) (*Claims, error) {
	return c.verify(raw, c.accessSecret, AccessTokenType)
}

// VerifyRefresh checks signature, expiry, issuer, and token type with the
// refresh key. No database is touched here; store-side revocation state is
// the caller's concern.
func (c *TokenCodec) VerifyRefresh(raw string) (*Claims, error) {
	return c.verify(raw, c.refreshSecret, RefreshTokenType)
}

func (c *TokenCodec) verify(raw string, secret []byte, expected TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return secret, nil
	}, jwt.WithTimeFunc(c.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Type != expected {
		return nil, ErrTokenInvalid
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

// HashToken returns the SHA-256 hex digest under which a raw token string is
// persisted. The raw value itself never reaches storage.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
