package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminClaims extends JWT standard claims with the admin role marker.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// adminRole is the only role admin tokens carry.
const adminRole = "admin"

// GenerateAdminToken creates a signed JWT for the admin surface.
// Tokens are short-lived and validated by signature only (no store hit),
// so a leaked token expires on its own and a secret change kills all of
// them at once.
func GenerateAdminToken(secret string, ttlMinutes int) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: admin secret not configured", ErrAdminRequired)
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 60 //nolint:mnd // default 1-hour admin token TTL
	}

	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminRole,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
		Role: adminRole,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing admin token: %w", err)
	}
	return signed, nil
}

// ParseAdminToken validates and parses an admin JWT, returning its claims.
// It checks the signature, expiry, and the role marker.
func ParseAdminToken(tokenString, secret string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Role != adminRole {
		return nil, fmt.Errorf("%w: not an admin token", ErrTokenInvalid)
	}

	return claims, nil
}
