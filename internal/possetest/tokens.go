package possetest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "possetest"
	tokenTTL    = time.Hour
)

var (
	errMissingSubject = errors.New("possetest: token subject required")
	errInvalidToken   = errors.New("possetest: invalid token")
)

// tokenAuthority signs and checks HS256 session tokens.
type tokenAuthority struct {
	secret []byte
	clock  func() time.Time
}

func newTokenAuthority() *tokenAuthority {
	return &tokenAuthority{secret: []byte(uuid.NewString()), clock: time.Now}
}

func (a *tokenAuthority) issue(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errMissingSubject
	}
	now := a.clock().UTC()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("possetest: sign token: %w", err)
	}
	return signed, nil
}

func (a *tokenAuthority) validate(token string) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(token),
		claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithTimeFunc(a.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return errInvalidToken
	}
	return nil
}
