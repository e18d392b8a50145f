package mag

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewise/mag/pkg/certx"
	"github.com/gatewise/mag/pkg/credentials"
	"github.com/gatewise/mag/pkg/gateway"
	"github.com/gatewise/mag/pkg/storage/memory"
)

// fakeGateway is an in-process gateway speaking just enough of the protocol
// for the client and session tests: it signs CSRs with its own CA, issues
// tokens, and renews certificates against the key it saw at registration.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	caKey  *rsa.PrivateKey
	caCert *x509.Certificate

	registerCalls atomic.Int32
	tokenCalls    atomic.Int32
	renewCalls    atomic.Int32

	// devicePub is the public key enrolled at registration, kept so renewal
	// can reissue for the same key.
	devicePub atomic.Value

	// renewStatus lets tests force renewal rejections.
	renewStatus atomic.Int32

	// lastTokenForm captures the most recent token request for inspection.
	lastTokenForm atomic.Value
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake-gateway-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	g := &fakeGateway{t: t, caKey: caKey, caCert: caCert, mux: http.NewServeMux()}
	g.renewStatus.Store(http.StatusOK)

	g.mux.HandleFunc("POST "+pathRegisterDevice, g.handleRegister)
	g.mux.HandleFunc("POST "+pathRegisterClient, g.handleRegister)
	g.mux.HandleFunc("POST "+pathToken, g.handleToken)
	g.mux.HandleFunc("POST "+pathInitializeClient, g.handleInitialize)
	g.mux.HandleFunc("PUT "+pathRenewDevice, g.handleRenew)
	g.mux.HandleFunc("DELETE "+pathRemoveDevice, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	g.mux.HandleFunc("POST "+pathLogout, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) signLeaf(pub *rsa.PublicKey, cn string) *x509.Certificate {
	g.t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, g.caCert, pub, g.caKey)
	require.NoError(g.t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(g.t, err)
	return leaf
}

func (g *fakeGateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	g.registerCalls.Add(1)
	require.NoError(g.t, r.ParseForm())

	block, _ := pem.Decode([]byte(r.PostForm.Get("certificate_signing_request")))
	require.NotNil(g.t, block, "registration must carry a PEM CSR")
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(g.t, err)
	require.NoError(g.t, csr.CheckSignature())

	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	require.True(g.t, ok)
	g.devicePub.Store(pub)

	leaf := g.signLeaf(pub, csr.Subject.CommonName)

	w.Header().Set(HeaderMagIdentifier, "mag-device-1")
	w.Header().Set("id-token", "fake-id-token")
	w.Header().Set("id-token-type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(certx.EncodeChainPEM([]*x509.Certificate{leaf, g.caCert}))
}

func (g *fakeGateway) handleToken(w http.ResponseWriter, r *http.Request) {
	g.tokenCalls.Add(1)
	require.NoError(g.t, r.ParseForm())
	g.lastTokenForm.Store(r.PostForm)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access-" + strconv.Itoa(int(g.tokenCalls.Load())),
		"refresh_token": "refresh-" + strconv.Itoa(int(g.tokenCalls.Load())),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "openid msso",
	})
}

func (g *fakeGateway) handleInitialize(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"client_id":         "dyn-client-1",
		"client_secret":     "dyn-secret-1",
		"client_expiration": time.Now().Add(time.Hour).Unix(),
	})
}

func (g *fakeGateway) handleRenew(w http.ResponseWriter, r *http.Request) {
	g.renewCalls.Add(1)

	if status := int(g.renewStatus.Load()); status != http.StatusOK {
		w.Header().Set(HeaderErrorCode, "9001000")
		w.WriteHeader(status)
		return
	}

	pub, _ := g.devicePub.Load().(*rsa.PublicKey)
	if pub == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	leaf := g.signLeaf(pub, "renewed-device")
	w.WriteHeader(http.StatusOK)
	w.Write(certx.EncodeChainPEM([]*x509.Certificate{leaf, g.caCert}))
}

func (g *fakeGateway) profile(t *testing.T) *gateway.Profile {
	t.Helper()
	u, err := url.Parse(g.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &gateway.Profile{
		Identity: gateway.NewIdentity(host, port, ""),
		ClientID: "master-client",
		Scope:    "openid msso",
		Insecure: true,
		Timeout:  5 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, g *fakeGateway) (*GatewayClient, *TokenStore) {
	t.Helper()
	p := g.profile(t)
	store := NewTokenStore(memory.New(), p.Identity)
	client := NewGatewayClient(gateway.NewRegistry(p), store, testLogger())
	return client, store
}

func TestRegisterDevice(t *testing.T) {
	g := newFakeGateway(t)
	client, store := newTestClient(t, g)

	creds := credentials.NewPassword("alice", []byte("pa55w0rd"))
	reg, err := client.RegisterDevice(t.Context(), creds, DeviceInfo{ID: "device-1", Name: "test phone"})
	require.NoError(t, err)

	assert.Equal(t, "mag-device-1", reg.MagIdentifier)
	require.Len(t, reg.Chain, 2)

	// Everything needed to come back after a restart is persisted.
	magID, ok, err := store.MagIdentifier()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mag-device-1", magID)

	key, ok, err := store.PrivateKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, certx.KeyMatchesCertificate(key, reg.Chain[0]))

	chain, ok, err := store.CertificateChain()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reg.Chain[0].Raw, chain[0].Raw)

	username, ok, err := store.Username()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}

func TestRegisterDevice_GatewayRejection(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderErrorCode, "9009201")
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(rejecting.Close)

	p := clientProfileFor(t, rejecting.URL)
	store := NewTokenStore(memory.New(), p.Identity)
	client := NewGatewayClient(gateway.NewRegistry(p), store, testLogger())

	_, err := client.RegisterDevice(t.Context(), credentials.NewPassword("alice", []byte("x")), DeviceInfo{})
	var typed *InvalidClientCredentialsError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 9009201, typed.Code)
}

func clientProfileFor(t *testing.T, rawURL string) *gateway.Profile {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &gateway.Profile{
		Identity: gateway.NewIdentity(host, port, ""),
		ClientID: "master-client",
		Insecure: true,
		Timeout:  5 * time.Second,
	}
}

func TestRequestToken(t *testing.T) {
	g := newFakeGateway(t)
	client, store := newTestClient(t, g)

	token, err := client.RequestToken(t.Context(), credentials.NewPassword("alice", []byte("pa55w0rd")))
	require.NoError(t, err)
	assert.Equal(t, "access-1", token.AccessToken)

	form, _ := g.lastTokenForm.Load().(url.Values)
	require.NotNil(t, form)
	assert.Equal(t, credentials.GrantPassword, form.Get("grant_type"))
	assert.Equal(t, "alice", form.Get("username"))
	assert.Equal(t, "openid msso", form.Get("scope"))

	access, ok, err := store.AccessToken()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", access)
}

func TestRefreshToken(t *testing.T) {
	g := newFakeGateway(t)
	client, store := newTestClient(t, g)

	require.NoError(t, store.SaveTokens("stale", "refresh-old", time.Now().Add(-time.Minute)))

	token, err := client.RefreshToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token.AccessToken)

	form, _ := g.lastTokenForm.Load().(url.Values)
	require.NotNil(t, form)
	assert.Equal(t, credentials.GrantRefreshToken, form.Get("grant_type"))
	assert.Equal(t, "refresh-old", form.Get("refresh_token"))
}

func TestRefreshToken_NothingStored(t *testing.T) {
	g := newFakeGateway(t)
	client, _ := newTestClient(t, g)

	_, err := client.RefreshToken(t.Context())
	require.Error(t, err)
	assert.Zero(t, g.tokenCalls.Load(), "no refresh token means no gateway call")
}

func TestRenewDevice(t *testing.T) {
	g := newFakeGateway(t)
	client, store := newTestClient(t, g)

	_, err := client.RegisterDevice(t.Context(), credentials.NewPassword("alice", []byte("x")), DeviceInfo{ID: "device-1"})
	require.NoError(t, err)

	chain, err := client.RenewDevice(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	// The renewed leaf must still match the enrolled key.
	key, ok, err := store.PrivateKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, certx.KeyMatchesCertificate(key, chain[0]))
	assert.Equal(t, "renewed-device", chain[0].Subject.CommonName)
}

func TestRenewDevice_Rejected(t *testing.T) {
	g := newFakeGateway(t)
	client, _ := newTestClient(t, g)

	_, err := client.RegisterDevice(t.Context(), credentials.NewPassword("alice", []byte("x")), DeviceInfo{ID: "device-1"})
	require.NoError(t, err)

	g.renewStatus.Store(http.StatusForbidden)
	_, err = client.RenewDevice(t.Context())
	var typed *ServerError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, http.StatusForbidden, typed.Status)
}

func TestRenewDevice_NotRegistered(t *testing.T) {
	g := newFakeGateway(t)
	client, _ := newTestClient(t, g)

	_, err := client.RenewDevice(t.Context())
	require.ErrorIs(t, err, ErrDeviceNotRegistered)
	assert.Zero(t, g.renewCalls.Load())
}

func TestRemoveDevice_NotRegistered(t *testing.T) {
	g := newFakeGateway(t)
	client, _ := newTestClient(t, g)

	err := client.RemoveDevice(t.Context())
	require.ErrorIs(t, err, ErrDeviceNotRegistered)
}

func TestInitializeClient(t *testing.T) {
	g := newFakeGateway(t)
	client, store := newTestClient(t, g)

	dc, err := client.InitializeClient(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "dyn-client-1", dc.ID)
	assert.True(t, dc.Valid())

	stored, ok, err := store.DynamicClient()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dc.ID, stored.ID)
}

func TestFormBodyEncodesInInsertionOrder(t *testing.T) {
	form := new(formBody)
	form.Set("grant_type", "password")
	form.Set("username", "alice")
	form.Set("password", "p&w=1")
	form.Set("scope", "openid msso")
	assert.Equal(t, "grant_type=password&username=alice&password=p%26w%3D1&scope=openid+msso", form.Encode())

	// Overwriting a field keeps its original position.
	form.Set("username", "bob")
	assert.Equal(t, "grant_type=password&username=bob&password=p%26w%3D1&scope=openid+msso", form.Encode())
	assert.Equal(t, "bob", form.Get("username"))
	assert.Empty(t, form.Get("missing"))
}
