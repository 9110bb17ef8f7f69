// Package auth verifies the signed bearer credential presented by clients
// and extracts the principal's user id.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// ErrMissingUserID is returned when a token verifies but carries none of the
// recognized user-identifier claims.
var ErrMissingUserID = errors.New("auth: token has no userId, sub, or id claim")

// Principal is the verified identity extracted from a credential.
type Principal struct {
	UserID string
	Claims jwt.MapClaims
}

// Verifier validates HMAC-signed bearer credentials against a shared secret.
// It does not mutate any state and is safe for concurrent use.
type Verifier struct {
	secret []byte
}

// New creates a Verifier using secret as the HMAC signing key.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates credential and returns its principal. Errors cover
// malformed tokens, bad signatures, expired tokens, and tokens missing a
// user identifier claim.
func (v *Verifier) Verify(credential string) (Principal, error) {
	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("auth: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, errors.New("auth: invalid token claims")
	}

	userID := firstNonEmptyClaim(claims, "userId", "sub", "id")
	if userID == "" {
		return Principal{}, ErrMissingUserID
	}

	return Principal{UserID: userID, Claims: claims}, nil
}

func firstNonEmptyClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
