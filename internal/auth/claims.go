package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL applies when GenerateToken is given no TTL.
const DefaultTokenTTL = 24 * time.Hour

// Claims extends JWT standard claims with the caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// GenerateToken creates a signed access token.
//
// Parameters:
//   - subject: Who the token is for (shown in the audit log)
//   - role: Role granted to the bearer
//   - secret: HMAC key shared with the API server
//   - ttl: Lifetime; zero selects DefaultTokenTTL
//
// Returns:
//   - string: Compact JWT
//   - error: If the secret is empty or the role unknown
func GenerateToken(subject string, role Role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its claims. It checks the
// signature, expiry, and required fields.
func ParseToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	return claims, nil
}
