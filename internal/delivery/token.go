package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"filevault/internal/apperr"
)

// ContentRoute serves decrypted originals behind a content token.
const ContentRoute = "/content"

type contentClaims struct {
	Version int `json:"ver"`
	jwt.RegisteredClaims
}

// Tokens issues and checks HS256 content tokens. A token names a file and
// the version it was issued for.
type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

func (t *Tokens) Issue(fileID string, version int, expires time.Time) (string, error) {
	const op = "delivery.Tokens.Issue"
	if len(t.secret) == 0 {
		return "", apperr.Newf(apperr.KindEncryptionFailed, op, "no token secret configured")
	}
	claims := contentClaims{
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fileID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Parse returns the file id and version a valid token grants.
func (t *Tokens) Parse(token string) (string, int, error) {
	const op = "delivery.Tokens.Parse"
	var claims contentClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", 0, apperr.Newf(apperr.KindInvalidState, op, "link expired")
	case err != nil:
		return "", 0, apperr.Newf(apperr.KindInvalidState, op, "invalid link")
	}
	if claims.Subject == "" {
		return "", 0, apperr.Newf(apperr.KindInvalidState, op, "invalid link")
	}
	return claims.Subject, claims.Version, nil
}
