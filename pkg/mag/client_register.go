package mag

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/gatewise/mag/pkg/certx"
	"github.com/gatewise/mag/pkg/credentials"
)

const csrPEMType = "CERTIFICATE REQUEST"

// RegisterDevice enrolls this device with the gateway: it generates a fresh
// keypair, submits a CSR with the caller's credentials, and returns the
// issued certificate chain plus the gateway-assigned mag identifier. The
// key, chain and identifier are persisted before returning.
func (c *GatewayClient) RegisterDevice(ctx context.Context, creds credentials.Credentials, device DeviceInfo) (*DeviceRegistration, error) {
	return c.register(ctx, pathRegisterDevice, creds, device)
}

// RegisterClient enrolls this device without a resource owner, using
// app-only credentials against the client registration endpoint.
func (c *GatewayClient) RegisterClient(ctx context.Context, creds credentials.Credentials, device DeviceInfo) (*DeviceRegistration, error) {
	return c.register(ctx, pathRegisterClient, creds, device)
}

func (c *GatewayClient) register(ctx context.Context, path string, creds credentials.Credentials, device DeviceInfo) (*DeviceRegistration, error) {
	if !creds.Valid() {
		return nil, ErrCredentialsNotReusable
	}

	key, err := certx.GenerateKeyPair(certx.DefaultKeyBits)
	if err != nil {
		return nil, err
	}

	deviceID := device.ID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	csr, err := certx.CreateCSR(deviceID, device.Name, key)
	if err != nil {
		return nil, err
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: csrPEMType, Bytes: csr})

	form := new(formBody)
	form.Set("certificate_signing_request", string(csrPEM))
	for _, p := range creds.Params() {
		form.Set(p.Name, p.Value)
	}
	if p := c.profile(); p.Scope != "" {
		form.Set("scope", p.Scope)
	}

	req, err := c.newFormRequest(ctx, http.MethodPost, path, form)
	if err != nil {
		return nil, err
	}
	c.setDeviceHeaders(req, deviceID, device)
	for name, values := range creds.Headers() {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapServerError(resp, body)
	}

	chain, err := certx.DecodeChainPEM(body)
	if err != nil {
		return nil, fmt.Errorf("mag: register device: %w", err)
	}
	if !certx.KeyMatchesCertificate(key, chain[0]) {
		return nil, fmt.Errorf("mag: register device: issued certificate does not match generated key")
	}

	magID := resp.Header.Get(HeaderMagIdentifier)
	if magID == "" {
		return nil, fmt.Errorf("mag: register device: response missing %s header", HeaderMagIdentifier)
	}

	reg := &DeviceRegistration{
		MagIdentifier: magID,
		Chain:         chain,
		IDToken:       resp.Header.Get("id-token"),
		IDTokenType:   resp.Header.Get("id-token-type"),
	}

	if err := c.store.SavePrivateKey(key); err != nil {
		return nil, err
	}
	if err := c.store.SaveCertificateChain(chain); err != nil {
		return nil, err
	}
	if err := c.store.SaveMagIdentifier(magID); err != nil {
		return nil, err
	}
	if reg.IDToken != "" {
		if err := c.store.SaveIDToken(reg.IDToken, reg.IDTokenType); err != nil {
			return nil, err
		}
	}
	if u := creds.Username(); u != "" {
		if err := c.store.SaveUsername(u); err != nil {
			return nil, err
		}
	}

	// The mTLS layer can now present the new certificate.
	c.Reset()

	c.logger.Info("device registered",
		"gateway", c.profile().Identity.String(),
		"device_id", deviceID,
	)
	return reg, nil
}

// InitializeClient performs dynamic client registration: the gateway issues
// a per-device OAuth client whose lifetime is independent of the session
// token pair. The record is persisted before returning.
func (c *GatewayClient) InitializeClient(ctx context.Context) (*DynamicClient, error) {
	p := c.profile()

	form := new(formBody)
	form.Set("client_id", p.ClientID)
	if p.ClientSecret != "" {
		form.Set("client_secret", p.ClientSecret)
	}
	form.Set("nonce", uuid.NewString())

	req, err := c.newFormRequest(ctx, http.MethodPost, pathInitializeClient, form)
	if err != nil {
		return nil, err
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

	var payload struct {
		ClientID        string `json:"client_id"`
		ClientSecret    string `json:"client_secret"`
		ClientExpiresAt int64  `json:"client_expiration"`
	}
	if err := decodeJSON(body, &payload); err != nil {
		return nil, fmt.Errorf("mag: initialize client: %w", err)
	}
	if payload.ClientID == "" {
		return nil, fmt.Errorf("mag: initialize client: response missing client_id")
	}

	dc := DynamicClient{
		ID:     payload.ClientID,
		Secret: payload.ClientSecret,
	}
	if payload.ClientExpiresAt > 0 {
		dc.ExpiresAt = unixTime(payload.ClientExpiresAt)
	}
	if err := c.store.SaveDynamicClient(dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

// RemoveDevice deregisters this device from the gateway over mTLS. Local
// state is untouched; callers destroy it afterwards.
func (c *GatewayClient) RemoveDevice(ctx context.Context) error {
	magID, ok, err := c.store.MagIdentifier()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeviceNotRegistered
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(pathRemoveDevice), nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderMagIdentifier, magID)

	resp, body, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return mapServerError(resp, body)
	}
	return nil
}

func (c *GatewayClient) setDeviceHeaders(req *http.Request, deviceID string, device DeviceInfo) {
	req.Header.Set(HeaderDeviceID, base64.StdEncoding.EncodeToString([]byte(deviceID)))
	if device.Name != "" {
		req.Header.Set(HeaderDeviceName, device.Name)
	}
	req.Header.Set(HeaderCertFormat, "pem")
}
