// Package auth resolves the rider session a request acts for. Identity is
// issued elsewhere; this package only verifies HS256 tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// DevRiderHeader identifies the rider when no secret is configured.
const DevRiderHeader = "X-Rider-ID"

// Session is the authenticated rider passed explicitly into trip engines.
type Session struct {
	RiderID string `json:"rider_id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for HS256 tokens. An empty secret puts it in
// dev mode, where the X-Rider-ID header is trusted.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) DevMode() bool { return len(v.secret) == 0 }

func (v *Verifier) Verify(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Session{}, ErrInvalidToken
	}
	s := Session{}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		s.RiderID = id
	} else if sub, ok := claims["sub"].(string); ok && sub != "" {
		s.RiderID = sub
	} else {
		return Session{}, fmt.Errorf("%w: user_id not found in token", ErrInvalidToken)
	}
	s.Email, _ = claims["email"].(string)
	s.Name, _ = claims["name"].(string)
	return s, nil
}

// FromRequest resolves the session from the Authorization bearer token, or
// from the dev header in dev mode. Browsers cannot set headers on websocket
// upgrades, so the access_token (or rider_id in dev mode) query parameter is
// accepted as well.
func (v *Verifier) FromRequest(r *http.Request) (Session, error) {
	if v.DevMode() {
		id := strings.TrimSpace(r.Header.Get(DevRiderHeader))
		if id == "" {
			id = strings.TrimSpace(r.URL.Query().Get("rider_id"))
		}
		if id == "" {
			return Session{}, ErrMissingCredentials
		}
		return Session{RiderID: id}, nil
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		tok = r.URL.Query().Get("access_token")
	}
	if tok == "" {
		return Session{}, ErrMissingCredentials
	}
	return v.Verify(tok)
}

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
