package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt reads the exp claim of a JWT session token without verifying its
// signature. ok is false for opaque tokens and tokens without exp.
func ExpiresAt(token string) (time.Time, bool) {
	trimmed := strings.TrimSpace(token)
	if strings.Count(trimmed, ".") != 2 {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether token carries an exp claim that lies before now.
func Expired(token string, now time.Time) bool {
	expiresAt, ok := ExpiresAt(token)
	return ok && !now.Before(expiresAt)
}
