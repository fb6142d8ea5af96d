package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/routa/dispatch/core/model"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// claims is the token payload: the standard subject carries the party id and
// a custom claim carries the role.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and maps them to identities.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IdentityFromRequest extracts the token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func (a *Authenticator) IdentityFromRequest(r *http.Request) (model.Identity, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		h := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(h, "Bearer ")
		if raw == h {
			raw = ""
		}
	}
	if raw == "" {
		return model.Identity{}, ErrMissingToken
	}
	return a.Verify(raw)
}

// Verify parses and validates a token and returns the identity it asserts.
func (a *Authenticator) Verify(raw string) (model.Identity, error) {
	var cl claims
	tok, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !tok.Valid {
		return model.Identity{}, ErrInvalidToken
	}
	if cl.Subject == "" {
		return model.Identity{}, ErrInvalidToken
	}
	role := model.Role(cl.Role)
	if role != model.RoleDriver && role != model.RoleCustomer {
		return model.Identity{}, ErrInvalidToken
	}
	return model.Identity{PartyID: cl.Subject, Role: role}, nil
}

// Issue mints a token for a party. Used by tests and local tooling.
func (a *Authenticator) Issue(partyID string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(a.secret)
}
