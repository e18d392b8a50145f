package credentials

import "net/http"

// ClientCredentials is the app-only grant: no user identity is involved.
// The client id and secret themselves live in the token store (they belong
// to the dynamic client registration, not to this credential), so this
// variant carries no secret material of its own.
type ClientCredentials struct{}

// NewClientCredentials builds an app-only credential.
func NewClientCredentials() *ClientCredentials { return &ClientCredentials{} }

func (c *ClientCredentials) Headers() http.Header { return http.Header{} }

func (c *ClientCredentials) Params() []Param { return nil }

func (c *ClientCredentials) GrantType() string { return GrantClientCredentials }

func (c *ClientCredentials) Username() string { return "" }

func (c *ClientCredentials) Valid() bool { return true }

func (c *ClientCredentials) Reusable() bool { return true }

func (c *ClientCredentials) Clear() {}
