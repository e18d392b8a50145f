package credentials

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewise/mag/pkg/secretx"
)

// Bearer wraps an identity assertion obtained from an external IdP, used for
// the jwt-bearer grant and for id-token device registration. Single-use: an
// assertion presented to the gateway once is never replayed.
type Bearer struct {
	assertion *secretx.Secret
	grant     string
	tokenType string // non-empty for id-token registration
	subject   string
	expires   time.Time
}

// NewJWTBearer wraps a JWT assertion for the jwt-bearer grant.
func NewJWTBearer(assertion string) *Bearer {
	b := &Bearer{
		assertion: secretx.FromString(assertion),
		grant:     GrantJWTBearer,
	}
	b.inspect(assertion)
	return b
}

// NewIDTokenBearer wraps an id token of the given declared type. The grant
// type presented to the gateway is the assertion's declared type.
func NewIDTokenBearer(assertion, tokenType string) *Bearer {
	b := &Bearer{
		assertion: secretx.FromString(assertion),
		grant:     tokenType,
		tokenType: tokenType,
	}
	b.inspect(assertion)
	return b
}

// inspect extracts subject and expiry from the assertion without verifying
// the signature. Verification is the gateway's job; the client only refuses
// to send material it can already see is expired.
func (b *Bearer) inspect(assertion string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return
	}

	if sub, err := claims.GetSubject(); err == nil {
		b.subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		b.expires = exp.Time
	}
}

// Headers carries the assertion and its type for id-token registration.
// Plain jwt-bearer assertions travel as form parameters instead.
func (b *Bearer) Headers() http.Header {
	h := http.Header{}
	if b.tokenType != "" && b.Valid() {
		h.Set("x-id-token", b.assertion.String())
		h.Set("x-id-token-type", b.tokenType)
	}
	return h
}

func (b *Bearer) Params() []Param {
	if !b.Valid() || b.tokenType != "" {
		return nil
	}
	return []Param{{Name: "assertion", Value: b.assertion.String()}}
}

func (b *Bearer) GrantType() string { return b.grant }

func (b *Bearer) Username() string { return b.subject }

// Valid reports false for wiped assertions and for assertions the client can
// already see are expired.
func (b *Bearer) Valid() bool {
	if b.assertion.IsZero() {
		return false
	}
	if !b.expires.IsZero() && time.Now().After(b.expires) {
		return false
	}
	return true
}

func (b *Bearer) Reusable() bool { return false }

// Clear scrubs the assertion buffer.
func (b *Bearer) Clear() {
	b.assertion.Wipe()
}
