// Package credentials implements the grant-type strategies the SDK uses to
// authenticate registration and token requests. Each variant owns its secret
// material, knows whether it may be replayed, and renders itself as the
// headers and form parameters the gateway wire protocol expects.
package credentials

import "net/http"

// OAuth2 grant type identifiers.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantRefreshToken      = "refresh_token"
)

// Param is a single ordered form parameter. Order matters for some gateway
// deployments, so parameters are a slice, not a map.
type Param struct {
	Name  string
	Value string
}

// Credentials produces the authentication material for one grant type.
//
// Implementations holding raw secret bytes must scrub them in Clear; a
// cleared credential reports Valid() == false. Single-use credentials
// (authorization code, bearer assertions) report Reusable() == false and are
// never replayed by the session, even during recovery retries.
type Credentials interface {
	// Headers returns request headers carrying credential material.
	Headers() http.Header

	// Params returns ordered form parameters for token and registration
	// calls. For single-use material this may consume state: a second call
	// can yield less than the first.
	Params() []Param

	// GrantType returns the OAuth2 grant type string.
	GrantType() string

	// Username returns the principal name, or "" for app-only credentials.
	Username() string

	// Valid reports whether the credential can still authenticate.
	Valid() bool

	// Reusable reports whether the credential may be presented more than
	// once.
	Reusable() bool

	// Clear scrubs secret material. The credential is unusable afterwards.
	Clear()
}
