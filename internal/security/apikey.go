package security

import (
	"strings"
	"time"

	"referralfees/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// CheckAPIKey reads the explorer key as a JWT and rejects it when it is malformed or already
// expired. The signature is left to the upstream, which holds the public key.
// A key without exp is accepted
func CheckAPIKey(name, key string, now time.Time, leeway time.Duration) error {
	key = strings.TrimSpace(strings.TrimPrefix(key, "Bearer "))
	if key == "" {
		return &domain.MissingCredentialError{Name: name}
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return &domain.InvalidCredentialError{Name: name, Reason: "not a jwt", Err: err}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return &domain.InvalidCredentialError{Name: name, Reason: "bad exp claim", Err: err}
	}
	if exp != nil && now.After(exp.Time.Add(leeway)) {
		return &domain.InvalidCredentialError{
			Name:   name,
			Reason: "expired at " + exp.Time.UTC().Format(time.RFC3339),
		}
	}

	return nil
}
