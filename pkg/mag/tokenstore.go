package mag

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gatewise/mag/pkg/certx"
	"github.com/gatewise/mag/pkg/gateway"
	"github.com/gatewise/mag/pkg/storage"
)

// Storage field names. Every key is namespaced by gateway identity so that
// switching gateways never leaks credentials across servers.
const (
	fieldAccessToken   = "access_token"
	fieldRefreshToken  = "refresh_token"
	fieldTokenExpiry   = "token_expiry"
	fieldGrantedScope  = "granted_scope"
	fieldUsername      = "username"
	fieldIDToken       = "id_token"
	fieldIDTokenType   = "id_token_type"
	fieldMagIdentifier = "mag_identifier"
	fieldCertChain     = "cert_chain"
	fieldPrivateKey    = "private_key"
	fieldDynamicClient = "dynamic_client"
)

// tokenExpiryBuffer keeps us from presenting a token that will expire
// mid-flight.
const tokenExpiryBuffer = 30 * time.Second

// TokenStore persists per-gateway session state: the OAuth token pair, the
// device certificate chain and private key, the mag identifier, and the
// dynamic client record. All methods are safe for concurrent use.
type TokenStore struct {
	mu       sync.Mutex
	source   storage.DataSource
	identity gateway.Identity
}

// NewTokenStore wraps source with keys namespaced under id.
func NewTokenStore(source storage.DataSource, id gateway.Identity) *TokenStore {
	return &TokenStore{source: source, identity: id}
}

// SetIdentity repoints the store at another gateway's namespace. State
// persisted for the previous gateway stays untouched.
func (s *TokenStore) SetIdentity(id gateway.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// Identity returns the gateway namespace currently in use.
func (s *TokenStore) Identity() gateway.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *TokenStore) key(field string) string {
	return s.identity.String() + "." + field
}

func (s *TokenStore) get(field string) (string, bool, error) {
	v, err := s.source.Get(s.key(field))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token store: get %s: %w", field, err)
	}
	return string(v), true, nil
}

func (s *TokenStore) put(field, value string) error {
	if err := s.source.Put(s.key(field), []byte(value)); err != nil {
		return fmt.Errorf("token store: put %s: %w", field, err)
	}
	return nil
}

func (s *TokenStore) delete(field string) error {
	err := s.source.Delete(s.key(field))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("token store: delete %s: %w", field, err)
	}
	return nil
}

// SaveTokens stores the token pair and its absolute expiry as one logical
// update.
func (s *TokenStore) SaveTokens(access, refresh string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(fieldAccessToken, access); err != nil {
		return err
	}
	if refresh != "" {
		if err := s.put(fieldRefreshToken, refresh); err != nil {
			return err
		}
	}
	return s.put(fieldTokenExpiry, strconv.FormatInt(expiry.Unix(), 10))
}

// AccessToken returns the stored access token if it exists and is not
// within the expiry buffer. ok is false for a missing or stale token.
func (s *TokenStore) AccessToken() (token string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, found, err := s.get(fieldAccessToken)
	if err != nil || !found || token == "" {
		return "", false, err
	}
	raw, found, err := s.get(fieldTokenExpiry)
	if err != nil || !found {
		return "", false, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", false, nil
	}
	if time.Now().Add(tokenExpiryBuffer).After(time.Unix(sec, 0)) {
		return "", false, nil
	}
	return token, true, nil
}

// AccessTokenExpiry returns the absolute expiry stored with the access
// token, without applying the freshness buffer.
func (s *TokenStore) AccessTokenExpiry() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.get(fieldTokenExpiry)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(sec, 0), true, nil
}

// RefreshToken returns the stored refresh token, if any.
func (s *TokenStore) RefreshToken() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(fieldRefreshToken)
}

// SaveGrantedScope records the scope granted with the current token pair.
func (s *TokenStore) SaveGrantedScope(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(fieldGrantedScope, scope)
}

// GrantedScope returns the scope stored with the current token pair.
func (s *TokenStore) GrantedScope() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(fieldGrantedScope)
}

// SaveUsername records the resource owner the tokens were issued for.
func (s *TokenStore) SaveUsername(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(fieldUsername, username)
}

// Username returns the stored resource owner, if any.
func (s *TokenStore) Username() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(fieldUsername)
}

// SaveIDToken stores the id token issued at registration. The id token can
// later reauthenticate the session without the original credentials.
func (s *TokenStore) SaveIDToken(token, tokenType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(fieldIDToken, token); err != nil {
		return err
	}
	return s.put(fieldIDTokenType, tokenType)
}

// IDToken returns the stored id token and its type.
func (s *TokenStore) IDToken() (token, tokenType string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, found, err := s.get(fieldIDToken)
	if err != nil || !found {
		return "", "", false, err
	}
	tokenType, _, err = s.get(fieldIDTokenType)
	if err != nil {
		return "", "", false, err
	}
	return token, tokenType, true, nil
}

// SaveMagIdentifier stores the gateway-assigned device instance identifier.
func (s *TokenStore) SaveMagIdentifier(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(fieldMagIdentifier, id)
}

// MagIdentifier returns the stored device instance identifier. Its presence
// marks the device as registered with this gateway.
func (s *TokenStore) MagIdentifier() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(fieldMagIdentifier)
}

// SaveCertificateChain persists the device certificate chain as
// concatenated DER.
func (s *TokenStore) SaveCertificateChain(chain []*x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(fieldCertChain, string(certx.EncodeCertificateChain(chain)))
}

// CertificateChain returns the persisted device certificate chain.
func (s *TokenStore) CertificateChain() ([]*x509.Certificate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.get(fieldCertChain)
	if err != nil || !found {
		return nil, false, err
	}
	chain, err := certx.DecodeCertificateChain([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("token store: decode certificate chain: %w", err)
	}
	return chain, true, nil
}

// SavePrivateKey persists the device private key in PKCS#8 DER form.
func (s *TokenStore) SavePrivateKey(key crypto.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	der, err := certx.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("token store: marshal private key: %w", err)
	}
	return s.put(fieldPrivateKey, string(der))
}

// PrivateKey returns the persisted device private key.
func (s *TokenStore) PrivateKey() (crypto.Signer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.get(fieldPrivateKey)
	if err != nil || !found {
		return nil, false, err
	}
	key, err := certx.ParsePrivateKey([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("token store: parse private key: %w", err)
	}
	return key, true, nil
}

// SaveDynamicClient persists the gateway-issued per-device OAuth client.
func (s *TokenStore) SaveDynamicClient(c DynamicClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("token store: marshal dynamic client: %w", err)
	}
	return s.put(fieldDynamicClient, string(raw))
}

// DynamicClient returns the persisted per-device OAuth client, if any.
func (s *TokenStore) DynamicClient() (*DynamicClient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.get(fieldDynamicClient)
	if err != nil || !found {
		return nil, false, err
	}
	var c DynamicClient
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false, fmt.Errorf("token store: unmarshal dynamic client: %w", err)
	}
	return &c, true, nil
}

// ClearDynamicClient removes the per-device OAuth client record.
func (s *TokenStore) ClearDynamicClient() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(fieldDynamicClient)
}

// ClearAccessAndRefreshTokens removes the token pair and its metadata but
// keeps the device registration (certificate, key, mag identifier, dynamic
// client) intact. This is the logout-scope wipe.
func (s *TokenStore) ClearAccessAndRefreshTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, field := range []string{
		fieldAccessToken, fieldRefreshToken, fieldTokenExpiry,
		fieldGrantedScope, fieldUsername, fieldIDToken, fieldIDTokenType,
	} {
		if err := s.delete(field); err != nil {
			return err
		}
	}
	return nil
}

// DestroyAllPersistentTokens removes every namespaced record for every known
// gateway, not just the active one. This is the explicit full reset; the
// per-gateway scope is DestroyGateway.
func (s *TokenStore) DestroyAllPersistentTokens() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.source.Keys("")
	if err != nil {
		return fmt.Errorf("token store: list keys: %w", err)
	}
	for _, k := range keys {
		if err := s.source.Delete(k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("token store: delete %s: %w", k, err)
		}
	}
	return nil
}

// DestroyGateway removes every record persisted for the given gateway,
// which need not be the current one.
func (s *TokenStore) DestroyGateway(id gateway.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyIdentity(id)
}

func (s *TokenStore) destroyIdentity(id gateway.Identity) error {
	keys, err := s.source.Keys(id.String() + ".")
	if err != nil {
		return fmt.Errorf("token store: list keys: %w", err)
	}
	for _, k := range keys {
		if err := s.source.Delete(k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("token store: delete %s: %w", k, err)
		}
	}
	return nil
}

// Ready reports whether the backing data source can serve requests.
func (s *TokenStore) Ready() bool {
	return s.source.Ready()
}

// Close releases the backing data source.
func (s *TokenStore) Close() error {
	return s.source.Close()
}
