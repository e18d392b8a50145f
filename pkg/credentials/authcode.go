package credentials

import "net/http"

// AuthorizationCode exchanges a one-time authorization code, optionally with
// a PKCE verifier held in a VerifierCache. The credential is strictly
// single-use: the first Params call consumes the cached verifier, and the
// session refuses to replay it.
type AuthorizationCode struct {
	code        string
	state       string
	redirectURI string
	cache       *VerifierCache
}

// NewAuthorizationCode builds an authorization-code credential. cache may be
// nil when the flow did not use PKCE.
func NewAuthorizationCode(code, state, redirectURI string, cache *VerifierCache) *AuthorizationCode {
	return &AuthorizationCode{
		code:        code,
		state:       state,
		redirectURI: redirectURI,
		cache:       cache,
	}
}

func (a *AuthorizationCode) Headers() http.Header { return http.Header{} }

// Params carries the code and, on the first call only, the PKCE verifier.
// The cache entry is removed on read, so a replay attempt yields no verifier
// and fails server-side PKCE validation rather than silently succeeding.
func (a *AuthorizationCode) Params() []Param {
	if !a.Valid() {
		return nil
	}

	params := []Param{{Name: "code", Value: a.code}}
	if a.redirectURI != "" {
		params = append(params, Param{Name: "redirect_uri", Value: a.redirectURI})
	}
	if a.cache != nil {
		if verifier, ok := a.cache.Consume(a.state); ok {
			params = append(params, Param{Name: "code_verifier", Value: verifier})
		}
	}
	return params
}

func (a *AuthorizationCode) GrantType() string { return GrantAuthorizationCode }

func (a *AuthorizationCode) Username() string { return "" }

func (a *AuthorizationCode) Valid() bool { return a.code != "" }

func (a *AuthorizationCode) Reusable() bool { return false }

// Clear drops the code. The verifier, if still cached, expires on its own.
func (a *AuthorizationCode) Clear() {
	a.code = ""
	a.state = ""
}
