package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrExpiryNotAfterIssuedAt is returned by IssueJWT when exp is not strictly
// after iat.
var ErrExpiryNotAfterIssuedAt = errors.New("crypto: exp must be after iat")

// JWTRequest describes one module-requested token issuance.
type JWTRequest struct {
	KeyID       string
	Secret      []byte
	IssuedAt    time.Time
	ExpiresAt   time.Time
	ExtraFields map[string]any
}

// IssueJWT signs and returns a JWT for req using HMAC-SHA256, setting "kid"
// in the header and "iat"/"exp" plus any extra claims in the payload.
func IssueJWT(req JWTRequest) (string, error) {
	if !req.ExpiresAt.After(req.IssuedAt) {
		return "", ErrExpiryNotAfterIssuedAt
	}

	claims := jwt.MapClaims{
		"iat": req.IssuedAt.Unix(),
		"exp": req.ExpiresAt.Unix(),
	}
	for k, v := range req.ExtraFields {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = req.KeyID

	signed, err := token.SignedString(req.Secret)
	if err != nil {
		return "", fmt.Errorf("crypto: sign jwt: %w", err)
	}
	return signed, nil
}
