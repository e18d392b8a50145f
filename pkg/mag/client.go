package mag

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatewise/mag/pkg/certx"
	"github.com/gatewise/mag/pkg/credentials"
	"github.com/gatewise/mag/pkg/gateway"
	"github.com/gatewise/mag/pkg/slogx"
)

// Gateway endpoint paths, relative to the profile prefix.
const (
	pathToken            = "/auth/oauth/v2/token"
	pathRegisterDevice   = "/connect/device/register"
	pathRegisterClient   = "/connect/device/register/client"
	pathRenewDevice      = "/connect/device/renew"
	pathInitializeClient = "/connect/client/initialize"
	pathRemoveDevice     = "/connect/device/remove"
	pathLogout           = "/connect/session/logout"
)

// tokenRequestsPerSecond bounds the rate of token endpoint calls so a
// misbehaving caller cannot hammer the gateway's auth tier.
const tokenRequestsPerSecond = 2

// GatewayClient speaks the gateway's device and token protocol. It owns the
// cached HTTP client, including the mTLS configuration built from the stored
// device certificate; Reset discards the cache so the next call picks up
// renewed material.
type GatewayClient struct {
	registry *gateway.Registry
	store    *TokenStore
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu         sync.Mutex
	httpClient *http.Client
}

// NewGatewayClient builds a client bound to the registry's active gateway.
func NewGatewayClient(registry *gateway.Registry, store *TokenStore, logger *slog.Logger) *GatewayClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		registry: registry,
		store:    store,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(tokenRequestsPerSecond), tokenRequestsPerSecond),
	}
}

// Reset discards the cached HTTP client. Called after certificate renewal
// and gateway switches so the TLS layer rebuilds from current state.
func (c *GatewayClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.httpClient = nil
	}
}

func (c *GatewayClient) profile() *gateway.Profile {
	return c.registry.ActiveProfile()
}

// endpoint builds the absolute URL for a protocol path on the active
// gateway.
func (c *GatewayClient) endpoint(path string) string {
	p := c.profile()
	scheme := "https"
	if p.Insecure {
		scheme = "http"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", p.Identity.Host, p.Identity.Port),
		Path:   path,
	}
	if p.Identity.Prefix != "" {
		u.Path = "/" + p.Identity.Prefix + path
	}
	return u.String()
}

// client returns the cached HTTP client, building it on first use.
func (c *GatewayClient) client() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		return c.httpClient, nil
	}

	p := c.profile()
	transport, err := c.buildTransport(p)
	if err != nil {
		return nil, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}

	c.httpClient = &http.Client{
		Transport: &slogx.Transport{Base: transport},
		Timeout:   timeout,
	}
	return c.httpClient, nil
}

// buildTransport assembles the TLS transport: the stored device keypair for
// mTLS when a registration exists, plus public-key pinning when the profile
// carries pins.
func (c *GatewayClient) buildTransport(p *gateway.Profile) (*http.Transport, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	chain, haveChain, err := c.store.CertificateChain()
	if err != nil {
		return nil, err
	}
	key, haveKey, err := c.store.PrivateKey()
	if err != nil {
		return nil, err
	}
	if haveChain && haveKey {
		cert := tls.Certificate{PrivateKey: key, Leaf: chain[0]}
		for _, crt := range chain {
			cert.Certificate = append(cert.Certificate, crt.Raw)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if len(p.CertificatePins) > 0 {
		pins := make(map[string]struct{}, len(p.CertificatePins))
		for _, pin := range p.CertificatePins {
			pins[pin] = struct{}{}
		}
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				crt, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if _, ok := pins[certx.PublicKeyHash(crt)]; ok {
					return nil
				}
			}
			return fmt.Errorf("mag: no pinned public key in server chain for %s", p.Identity)
		}
	}

	return &http.Transport{
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}, nil
}

// do sends a protocol request and reads the full response body. The caller
// gets the response with the body already drained.
func (c *GatewayClient) do(req *http.Request) (*http.Response, []byte, error) {
	httpClient, err := c.client()
	if err != nil {
		return nil, nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("mag: gateway request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("mag: read gateway response: %w", err)
	}
	return resp, body, nil
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json response: %w", err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// formBody accumulates form fields in insertion order. Some gateway
// deployments are sensitive to parameter order, so protocol calls cannot use
// url.Values, whose Encode sorts the keys.
type formBody struct {
	params []credentials.Param
}

// Set records a field, overwriting an existing field in place so its
// position is kept.
func (f *formBody) Set(name, value string) {
	for i := range f.params {
		if f.params[i].Name == name {
			f.params[i].Value = value
			return
		}
	}
	f.params = append(f.params, credentials.Param{Name: name, Value: value})
}

func (f *formBody) Get(name string) string {
	for _, p := range f.params {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func (f *formBody) Encode() string {
	var b strings.Builder
	for i, p := range f.params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// newFormRequest builds a form-encoded protocol request.
func (c *GatewayClient) newFormRequest(ctx context.Context, method, path string, form *formBody) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}
