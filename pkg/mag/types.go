package mag

import (
	"crypto/x509"
	"net/http"
	"time"

	"github.com/gatewise/mag/pkg/idx"
)

// TokenResponse is the gateway token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	IDTokenType  string `json:"id_token_type,omitempty"`
}

// Expiry converts ExpiresIn to an absolute deadline.
func (t *TokenResponse) Expiry() time.Time {
	return time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
}

// DeviceInfo identifies this device to the gateway.
type DeviceInfo struct {
	// ID is the stable device instance identifier. Defaults to a random
	// UUID when left empty.
	ID string

	// Name is the human-readable device label.
	Name string

	// MSISDN is the device phone number, sent only when the gateway profile
	// enables the MSISDN policy.
	MSISDN string
}

// DeviceRegistration is the result of registering a device: the issued
// certificate chain and the gateway-assigned device instance identifier
// (distinct from the OAuth client id).
type DeviceRegistration struct {
	MagIdentifier string
	Chain         []*x509.Certificate
	IDToken       string
	IDTokenType   string
}

// DynamicClient is the gateway-issued per-device OAuth client from dynamic
// client registration. Its lifecycle is independent of the user session
// token pair.
type DynamicClient struct {
	ID        string
	Secret    string
	ExpiresAt time.Time
}

// Valid reports whether the dynamic client exists and has not expired.
func (c *DynamicClient) Valid() bool {
	if c == nil || c.ID == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || time.Now().Before(c.ExpiresAt)
}

// RequestInfo is the per-request state threaded through the policy chain.
// Request is the caller's template; each attempt sends a clone.
type RequestInfo struct {
	ID      idx.ID
	Request *http.Request

	// Attempt is 0 for the original request and 1 for the single recovery
	// retry.
	Attempt int

	// otpCode, when set, is attached as the x-otp header on the next
	// attempt.
	otpCode string
}

// State is the session authentication state, exposed for observability.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateTokenPending
	StateAuthenticated
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateTokenPending:
		return "token_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}
