package mag

import (
	"bytes"
	"context"
	"net/http"
)

// defaultChain is the fixed policy order: storage readiness fails fast,
// the telephone policy runs before authentication so number errors surface
// without burning a token, and the token assertion runs last so every prior
// policy saw the request it signs off on. The error assertion sits at the
// chain head so it is the LAST to see the response.
func defaultChain() *policyChain {
	return &policyChain{assertions: []Assertion{
		&errorAssertion{},
		&storageAssertion{},
		&telephoneAssertion{},
		&tokenAssertion{},
	}}
}

// storageAssertion fails every request fast when the token store backend is
// locked or gone. Nothing downstream can work without it.
type storageAssertion struct {
	session *Session
}

func (a *storageAssertion) Init(s *Session) error {
	a.session = s
	return nil
}

func (a *storageAssertion) ProcessRequest(ctx context.Context, info *RequestInfo) error {
	if !a.session.store.Ready() {
		return ErrStoreUnavailable
	}
	return nil
}

func (a *storageAssertion) ProcessResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error {
	return nil
}

func (a *storageAssertion) Close() error { return nil }

// Non-standard statuses the gateway uses for mobile-number policy failures.
const (
	statusMSISDNInvalid  = 448
	statusMSISDNRequired = 449
)

// telephoneAssertion implements the MSISDN policy. When the gateway profile
// enables it, the device phone number travels as the x-msisdn header and the
// 448/449 statuses become typed errors. Disabled, it is pure pass-through.
type telephoneAssertion struct {
	session *Session
}

func (a *telephoneAssertion) Init(s *Session) error {
	a.session = s
	return nil
}

func (a *telephoneAssertion) enabled() bool {
	return a.session.registry.ActiveProfile().MSISDNEnabled
}

func (a *telephoneAssertion) ProcessRequest(ctx context.Context, info *RequestInfo) error {
	if !a.enabled() {
		return nil
	}
	if msisdn := a.session.device.MSISDN; msisdn != "" {
		info.Request.Header.Set(HeaderMSISDN, msisdn)
	}
	return nil
}

func (a *telephoneAssertion) ProcessResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error {
	if !a.enabled() {
		return nil
	}
	if resp.StatusCode != statusMSISDNInvalid && resp.StatusCode != statusMSISDNRequired {
		return nil
	}

	body, err := peekBody(resp)
	if err != nil {
		return err
	}
	// Other policies reuse these statuses; only an msisdn body is ours.
	if !bytes.Contains(bytes.ToLower(body), []byte("msisdn")) {
		return nil
	}

	base := ServerError{
		Code:        findErrorCode(resp),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Message:     errorMessage(body),
	}
	if resp.StatusCode == statusMSISDNRequired {
		return &MobileNumberRequiredError{base}
	}
	return &MobileNumberInvalidError{base}
}

func (a *telephoneAssertion) Close() error { return nil }

// tokenAssertion injects the Bearer access token, acquiring registration and
// tokens lazily when the store holds none.
type tokenAssertion struct {
	session *Session
}

func (a *tokenAssertion) Init(s *Session) error {
	a.session = s
	return nil
}

func (a *tokenAssertion) ProcessRequest(ctx context.Context, info *RequestInfo) error {
	token, err := a.session.ensureToken(ctx)
	if err != nil {
		return err
	}
	info.Request.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *tokenAssertion) ProcessResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error {
	return nil
}

func (a *tokenAssertion) Close() error { return nil }

// errorAssertion decodes the x-ca-err header on responses into the typed
// error taxonomy. Responses whose code maps to nothing actionable pass
// through untouched: the caller gets the response the gateway sent, not an
// invented failure.
type errorAssertion struct {
	session *Session
}

func (a *errorAssertion) Init(s *Session) error {
	a.session = s
	return nil
}

func (a *errorAssertion) ProcessRequest(ctx context.Context, info *RequestInfo) error {
	return nil
}

func (a *errorAssertion) ProcessResponse(ctx context.Context, info *RequestInfo, resp *http.Response) error {
	code := findErrorCode(resp)
	if code < 0 {
		return nil
	}

	if code >= otpCodeMin && code <= otpCodeMax {
		body, err := peekBody(resp)
		if err != nil {
			return err
		}
		return newOTPChallenge(code, resp, ServerError{
			Code:        code,
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Message:     errorMessage(body),
		})
	}

	switch code % 1000 {
	case codeSuffixInvalidIdentifier, codeSuffixInvalidClient, codeSuffixCertificateExpired:
		body, err := peekBody(resp)
		if err != nil {
			return err
		}
		return mapServerError(resp, body)
	}

	// Unrecognized code: not ours to interpret.
	return nil
}

func (a *errorAssertion) Close() error { return nil }
