// Package auth resolves the identity of an upgrade request before the
// websocket connection is allocated.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"cloudvars/server/internal/policy"
)

// ErrInvalidCredential rejects an upgrade that carried a credential the
// verifier could not accept. This must fail the upgrade with 401, never
// downgrade the caller to anonymous.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier turns an upgrade request into an identity. A nil identity
// with a nil error means the request carried no credential and the
// caller proceeds anonymously.
type Verifier interface {
	Verify(r *http.Request) (*policy.Identity, error)
}

// SessionCookie is the cookie checked for a token when no bearer
// header is present.
const SessionCookie = "cloudsession"

// JWT verifies HMAC-SHA256 session tokens from the Authorization
// header or the session cookie. Claims: "sub" is the user id, "name"
// the display name.
type JWT struct {
	secret []byte
}

func NewJWT(secret []byte) *JWT {
	return &JWT{secret: secret}
}

func (j *JWT) Verify(r *http.Request) (*policy.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, nil
	}
	if len(j.secret) == 0 {
		// No secret configured: the gateway runs anonymous-only and
		// must not accept tokens it cannot check.
		return nil, fmt.Errorf("%w: no verification key configured", ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	if name == "" {
		name = sub
	}
	id := policy.Authenticated(sub, name)
	return &id, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
