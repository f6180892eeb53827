// Package creds models the bearer credentials that authenticate both the
// REST surface and the persistent transport session, together with the
// durable storage they live in between process restarts.
//
// Validation here is a shape check only: a credential is well-formed when
// it splits into the three dot-separated JWT segments. Signature
// verification is the backend's job; the client fails closed on malformed
// material before any network attempt is made, and otherwise trusts the
// server to accept or reject.
package creds

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed indicates a credential that does not have the
// header.payload.signature shape and must be rejected before any
// network activity.
var ErrMalformed = errors.New("creds: malformed credential")

// ErrNotFound indicates the store holds no credential.
var ErrNotFound = errors.New("creds: no stored credential")

// Credential is one access/refresh pair issued at login, registration or
// refresh time. Either field may be empty; an empty access token is never
// well-formed.
type Credential struct {
	Access  string
	Refresh string
}

// Valid reports whether the access token passes the three-segment shape
// check. It performs no cryptographic verification.
func (c Credential) Valid() bool {
	return WellFormed(c.Access)
}

// WellFormed reports whether tok splits into exactly three non-empty
// dot-separated segments.
func WellFormed(tok string) bool {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Claims is the subset of token claims the client peeks at without
// verifying the signature.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Peek decodes the access token's claims without verification. The user
// id claim follows the backend's convention ("user_id"). Returns
// ErrMalformed when the token fails the shape check or does not decode.
func (c Credential) Peek() (Claims, error) {
	if !c.Valid() {
		return Claims{}, ErrMalformed
	}
	var mc jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.Access, &mc); err != nil {
		return Claims{}, errors.Join(ErrMalformed, err)
	}
	var out Claims
	if sub, ok := mc["user_id"].(string); ok {
		out.UserID = sub
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Expired reports whether the access token carries an exp claim in the
// past. Tokens without a readable exp claim are treated as not expired;
// the server remains the authority.
func (c Credential) Expired(now time.Time) bool {
	cl, err := c.Peek()
	if err != nil || cl.ExpiresAt.IsZero() {
		return false
	}
	return cl.ExpiresAt.Before(now)
}
