package app

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// tokenAuthorizer validates HS256 session tokens minted by the surrounding
// application. The hub only needs the subject claim to identify the user.
type tokenAuthorizer struct {
	secret []byte
}

func newTokenAuthorizer(secret string) *tokenAuthorizer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &tokenAuthorizer{secret: []byte(secret)}
}

func (a *tokenAuthorizer) authenticate(token string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("auth is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("access token is required")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", errors.New("token has no subject")
	}
	return userID, nil
}
