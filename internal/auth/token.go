package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	refreshThreshold = 0.8
	fallbackLifetime = 15 * time.Minute
)

// TokenMetadata records when the bearer token was issued and for how long.
type TokenMetadata struct {
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresIn  int64     `json:"expires_in"`
}

func (m TokenMetadata) Lifetime() time.Duration {
	return time.Duration(m.ExpiresIn) * time.Second
}

func (m TokenMetadata) ExpiresAt() time.Time {
	return m.ObtainedAt.Add(m.Lifetime())
}

func (m TokenMetadata) IsExpired(now time.Time) bool {
	return !now.Before(m.ExpiresAt())
}

// NeedsRefresh is true once 80% of the lifetime has elapsed.
func (m TokenMetadata) NeedsRefresh(now time.Time) bool {
	threshold := time.Duration(float64(m.Lifetime()) * refreshThreshold)
	return now.Sub(m.ObtainedAt) >= threshold
}

// tokenLifetime prefers the server's expires_in, then the JWT exp claim, then a fixed fallback.
func tokenLifetime(accessToken string, expiresIn int64, now time.Time) int64 {
	if expiresIn > 0 {
		return expiresIn
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err == nil && claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(now); remaining > time.Second {
			return int64(remaining / time.Second)
		}
	}
	return int64(fallbackLifetime / time.Second)
}
