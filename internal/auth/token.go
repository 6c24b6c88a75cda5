// Package auth issues and verifies the short-lived bearer tokens that gate
// both the bootstrap HTTP API and the websocket channel, and holds the
// in-memory user store the tokens are minted against.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// issuer identifies tokens minted by this service.
const issuer = "ogent-controller"

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// Username is the authenticated principal, also carried in Subject.
	Username string `json:"username"`

	// Role is the principal's role at token issuance time. Tokens are
	// short-lived so role staleness is acceptable.
	Role string `json:"role"`
}

// TokenManager handles HS256 signing and verification of access tokens.
// The signing secret is shared configuration (token_secret); every controller
// replica must be started with the same value or tokens minted by one replica
// will be rejected by another.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a TokenManager signing with secret. ttl bounds the
// lifetime of every minted token.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret must not be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("auth: token ttl must be positive, got %s", ttl)
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}, nil
}

// Generate creates a signed HS256 JWT for the given principal.
func (m *TokenManager) Generate(username, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			// JTI provides a unique identifier for this token instance.
			// Useful if token revocation via a denylist is added later.
			ID: uuid.NewString(),
		},
		Username: username,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a JWT string.
// Returns the embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" and key-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

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

	return claims, nil
}

// TTL returns the configured token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}
