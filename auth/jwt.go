// Package auth issues and verifies the bearer tokens that identify API callers.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teranos/backtestq/am"
	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/pulse/service"
)

// DefaultTokenTTL is the lifetime of tokens minted without an explicit TTL
const DefaultTokenTTL = 24 * time.Hour

// Claims extends standard JWT claims with the caller's role. The subject is
// the owner ID.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Manager handles token creation and validation
type Manager struct {
	secret        []byte
	issuer        string
	operatorRoles []string
	generated     bool
}

// NewManager creates a Manager from config. An empty secret is replaced by a
// random one, which only the running process can verify.
func NewManager(cfg am.AuthConfig) (*Manager, error) {
	secret := cfg.JWTSecret
	generated := false
	if secret == "" {
		s, err := generateSecureSecret(32)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate JWT secret")
		}
		secret = s
		generated = true
	}

	return &Manager{
		secret:        []byte(secret),
		issuer:        cfg.Issuer,
		operatorRoles: cfg.OperatorRoles,
		generated:     generated,
	}, nil
}

// EphemeralSecret reports whether the secret was generated at startup
func (m *Manager) EphemeralSecret() bool {
	return m.generated
}

// Issue mints a signed token for userID with the given role
func (m *Manager) Issue(userID, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.NewValidationError("user id cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// Verify parses and validates a token. Every failure wraps ErrUnauthorized.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.NewUnauthorizedError("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "invalid token: "+err.Error())
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.NewUnauthorizedError("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.NewUnauthorizedError("token has no subject")
	}
	return claims, nil
}

// Caller maps verified claims to a service caller
func (m *Manager) Caller(claims *Claims) service.Caller {
	return service.Caller{
		ID:         claims.Subject,
		IsOperator: claims.Role != "" && slices.Contains(m.operatorRoles, claims.Role),
	}
}

// Authenticate verifies a token and returns its caller
func (m *Manager) Authenticate(tokenString string) (service.Caller, error) {
	claims, err := m.Verify(tokenString)
	if err != nil {
		return service.Caller{}, err
	}
	return m.Caller(claims), nil
}

// generateSecureSecret generates a cryptographically secure random hex string
func generateSecureSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate random bytes")
	}
	return hex.EncodeToString(b), nil
}
