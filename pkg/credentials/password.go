package credentials

import (
	"encoding/base64"
	"net/http"

	"github.com/gatewise/mag/pkg/secretx"
)

// Password authenticates a resource owner with username and password.
// It is reusable: the same instance serves repeated registrations and
// re-authentication until explicitly cleared.
type Password struct {
	username string
	password *secretx.Secret
}

// NewPassword builds a password credential. The password bytes are copied;
// the caller should wipe its own copy.
func NewPassword(username string, password []byte) *Password {
	return &Password{
		username: username,
		password: secretx.New(password),
	}
}

// Headers frames the credential as HTTP Basic authentication.
func (p *Password) Headers() http.Header {
	if !p.Valid() {
		return http.Header{}
	}

	raw := p.username + ":" + p.password.String()
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return h
}

// Params carries username and password for form-encoded registration calls.
func (p *Password) Params() []Param {
	if !p.Valid() {
		return nil
	}
	return []Param{
		{Name: "username", Value: p.username},
		{Name: "password", Value: p.password.String()},
	}
}

func (p *Password) GrantType() string { return GrantPassword }

func (p *Password) Username() string { return p.username }

// Valid requires both username and password to be present and unwiped.
func (p *Password) Valid() bool {
	return p.username != "" && !p.password.IsZero()
}

func (p *Password) Reusable() bool { return true }

// Clear scrubs the password buffer. Not called implicitly: the credential
// stays usable across repeated registrations until the owner clears it.
func (p *Password) Clear() {
	p.password.Wipe()
}
