package mag

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gatewise/mag/pkg/credentials"
)

// RequestToken exchanges credentials for a token pair at the gateway token
// endpoint. When a dynamic client registration exists it authenticates the
// call; otherwise the master client from the profile does. The issued pair
// is persisted before returning.
func (c *GatewayClient) RequestToken(ctx context.Context, creds credentials.Credentials) (*TokenResponse, error) {
	if !creds.Valid() {
		return nil, ErrCredentialsNotReusable
	}

	form := new(formBody)
	form.Set("grant_type", creds.GrantType())
	for _, p := range creds.Params() {
		form.Set(p.Name, p.Value)
	}
	if p := c.profile(); p.Scope != "" && form.Get("scope") == "" {
		form.Set("scope", p.Scope)
	}

	resp, err := c.tokenCall(ctx, form, creds.Headers())
	if err != nil {
		return nil, err
	}

	if err := c.persistTokens(resp); err != nil {
		return nil, err
	}
	if u := creds.Username(); u != "" {
		if err := c.store.SaveUsername(u); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// RefreshToken exchanges the stored refresh token for a fresh pair. Returns
// ErrDeviceNotRegistered semantics via the caller: the method itself fails
// with a typed gateway error when the gateway rejects the refresh.
func (c *GatewayClient) RefreshToken(ctx context.Context) (*TokenResponse, error) {
	refresh, ok, err := c.store.RefreshToken()
	if err != nil {
		return nil, err
	}
	if !ok || refresh == "" {
		return nil, fmt.Errorf("mag: no refresh token stored")
	}

	form := new(formBody)
	form.Set("grant_type", credentials.GrantRefreshToken)
	form.Set("refresh_token", refresh)

	resp, err := c.tokenCall(ctx, form, nil)
	if err != nil {
		return nil, err
	}
	if err := c.persistTokens(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout revokes the current token pair server-side. Local token state is
// untouched; the session clears it after a successful revocation.
func (c *GatewayClient) Logout(ctx context.Context) error {
	magID, ok, err := c.store.MagIdentifier()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeviceNotRegistered
	}

	form := new(formBody)
	if idToken, idTokenType, haveID, err := c.store.IDToken(); err != nil {
		return err
	} else if haveID {
		form.Set("id_token", idToken)
		form.Set("id_token_type", idTokenType)
	}
	form.Set("logout_apps", "true")

	req, err := c.newFormRequest(ctx, http.MethodPost, pathLogout, form)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderMagIdentifier, magID)
	if auth, err := c.clientAuth(); err != nil {
		return err
	} else if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, body, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return mapServerError(resp, body)
	}
	return nil
}

// tokenCall performs one rate-limited call against the token endpoint.
func (c *GatewayClient) tokenCall(ctx context.Context, form *formBody, extraHeaders http.Header) (*TokenResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	auth, err := c.clientAuth()
	if err != nil {
		return nil, err
	}
	if auth == "" && form.Get("client_id") == "" {
		form.Set("client_id", c.profile().ClientID)
	}

	req, err := c.newFormRequest(ctx, http.MethodPost, pathToken, form)
	if err != nil {
		return nil, err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for name, values := range extraHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if magID, ok, err := c.store.MagIdentifier(); err != nil {
		return nil, err
	} else if ok {
		req.Header.Set(HeaderMagIdentifier, magID)
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapServerError(resp, body)
	}

	var token TokenResponse
	if err := decodeJSON(body, &token); err != nil {
		return nil, fmt.Errorf("mag: token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("mag: token response missing access_token")
	}
	return &token, nil
}

// clientAuth resolves client authentication: the dynamic client when one is
// valid, else the profile's master client. Returns the Authorization header
// value, or "" when the client is public and identifies itself by form
// parameter instead.
func (c *GatewayClient) clientAuth() (string, error) {
	dc, ok, err := c.store.DynamicClient()
	if err != nil {
		return "", err
	}
	if ok && dc.Valid() {
		return basicAuth(dc.ID, dc.Secret), nil
	}

	p := c.profile()
	if p.ClientSecret != "" {
		return basicAuth(p.ClientID, p.ClientSecret), nil
	}
	return "", nil
}

func basicAuth(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}

func (c *GatewayClient) persistTokens(t *TokenResponse) error {
	if err := c.store.SaveTokens(t.AccessToken, t.RefreshToken, t.Expiry()); err != nil {
		return err
	}
	if t.Scope != "" {
		if err := c.store.SaveGrantedScope(t.Scope); err != nil {
			return err
		}
	}
	if t.IDToken != "" {
		if err := c.store.SaveIDToken(t.IDToken, t.IDTokenType); err != nil {
			return err
		}
	}
	return nil
}
