package mag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Wire headers used by the gateway protocol.
const (
	HeaderErrorCode     = "x-ca-err"
	HeaderMagIdentifier = "mag-identifier"
	HeaderCertFormat    = "cert-format"
	HeaderDeviceID      = "device-id"
	HeaderDeviceName    = "device-name"
	HeaderMSISDN        = "x-msisdn"
	HeaderOTP           = "x-otp"
	HeaderOTPChannels   = "x-otp-channel"
	HeaderOTPRetry      = "x-otp-retry"
	HeaderOTPRetryWait  = "x-otp-retry-interval"
)

// Vendor error code classification. The gateway encodes the failure class in
// the trailing digits of the x-ca-err value; the leading digits vary by
// deployment.
const (
	codeSuffixInvalidIdentifier  = 107
	codeSuffixInvalidClient      = 201
	codeSuffixCertificateExpired = 206

	otpCodeMin = 8000140
	otpCodeMax = 8000145
)

var (
	// ErrStoreUnavailable reports that the token store backend is locked or
	// inaccessible. Fatal for the current request, never auto-retried.
	ErrStoreUnavailable = errors.New("mag: token store unavailable")

	// ErrCredentialsNotReusable reports that recovery required re-supplying
	// credentials but the configured credential is single-use and was
	// already consumed. The session fails terminally rather than replaying
	// stale single-use material.
	ErrCredentialsNotReusable = errors.New("mag: credentials already used and not reusable")

	// ErrDeviceNotRegistered reports an operation that requires an existing
	// device registration (certificate and mag identifier) where none exists.
	ErrDeviceNotRegistered = errors.New("mag: device not registered")
)

// ServerError is a gateway-reported failure carrying the vendor error code,
// HTTP status and response details. It is the base of the typed taxonomy;
// the subtypes below add recovery semantics.
type ServerError struct {
	Code        int // vendor x-ca-err code, -1 when absent
	Status      int
	ContentType string
	Message     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mag: gateway error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// RetryError is a recoverable session error. Recover performs exactly one
// corrective action and never loops; the session issues exactly one retry of
// the original request after a successful Recover. If Recover itself fails,
// the original error propagates unmodified.
type RetryError interface {
	error
	Recover(ctx context.Context, s *Session) error
}

// CertificateExpiredError reports that the device's client certificate is no
// longer accepted. Recovery renews the certificate in place; if the gateway
// refuses the renewal, all persistent tokens are destroyed so the next
// attempt re-registers from scratch.
type CertificateExpiredError struct {
	ServerError
}

func (e *CertificateExpiredError) Recover(ctx context.Context, s *Session) error {
	chain, err := s.client.RenewDevice(ctx)
	if err != nil {
		s.logger.Warn("certificate renewal refused, forcing re-registration", "error", err)
		if derr := s.store.DestroyAllPersistentTokens(); derr != nil {
			return derr
		}
		s.setState(StateUnregistered)
		return nil
	}

	if err := s.store.SaveCertificateChain(chain); err != nil {
		return err
	}

	// The TLS layer must pick up the renewed certificate.
	s.client.Reset()
	return nil
}

// InvalidClientCredentialsError reports the OAuth invalid_client family:
// the dynamic client registration or the token pair issued under it is no
// longer accepted. Recovery clears both, forcing full re-authentication.
type InvalidClientCredentialsError struct {
	ServerError
}

func (e *InvalidClientCredentialsError) Recover(ctx context.Context, s *Session) error {
	if err := s.store.ClearAccessAndRefreshTokens(); err != nil {
		return err
	}
	if err := s.store.ClearDynamicClient(); err != nil {
		return err
	}
	s.setState(StateRegistered)
	return nil
}

// InvalidIdentifierError reports that the gateway no longer recognises this
// device's mag identifier: server and device state have desynchronized.
// Recovery destroys all persistent tokens.
type InvalidIdentifierError struct {
	ServerError
}

func (e *InvalidIdentifierError) Recover(ctx context.Context, s *Session) error {
	if err := s.store.DestroyAllPersistentTokens(); err != nil {
		return err
	}
	s.setState(StateUnregistered)
	return nil
}

// MobileNumberRequiredError reports HTTP 449 with an MSISDN policy body: the
// gateway requires a device phone number that was not supplied. Not
// recoverable by the SDK; the caller must provide the number.
type MobileNumberRequiredError struct {
	ServerError
}

// MobileNumberInvalidError reports HTTP 448 with an MSISDN policy body: the
// supplied device phone number was rejected.
type MobileNumberInvalidError struct {
	ServerError
}

// findErrorCode extracts the numeric vendor code from a response. Returns -1
// when the header is absent, unparseable, or the status is 405: a method
// rejection comes from the HTTP framework, not gateway policy, so any error
// header on it is meaningless.
func findErrorCode(resp *http.Response) int {
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return -1
	}

	raw := resp.Header.Get(HeaderErrorCode)
	if raw == "" {
		return -1
	}

	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return -1
	}
	return code
}

// errorMessage extracts a human-readable message from an error response
// body. Gateways answer JSON for OAuth endpoints; anything else is used
// verbatim, truncated.
func errorMessage(body []byte) string {
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		if oauthErr.Description != "" {
			return oauthErr.Error + ": " + oauthErr.Description
		}
		return oauthErr.Error
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// mapServerError converts a non-2xx gateway response into the matching typed
// error. The mapping is a closed switch on the vendor code: OTP range first,
// then the numeric suffix classes, then the generic ServerError.
func mapServerError(resp *http.Response, body []byte) error {
	code := findErrorCode(resp)
	base := ServerError{
		Code:        code,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Message:     errorMessage(body),
	}

	if code >= otpCodeMin && code <= otpCodeMax {
		return newOTPChallenge(code, resp, base)
	}

	switch code % 1000 {
	case codeSuffixInvalidIdentifier:
		return &InvalidIdentifierError{base}
	case codeSuffixInvalidClient:
		return &InvalidClientCredentialsError{base}
	case codeSuffixCertificateExpired:
		return &CertificateExpiredError{base}
	}

	return &base
}
