package mag

import (
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPKindForCode(t *testing.T) {
	tests := []struct {
		code int
		want OTPKind
	}{
		{8000140, OTPRequired},
		{8000141, OTPInvalid},
		{8000142, OTPSuspended},
		{8000143, OTPExpired},
		{8000144, OTPInvalid},
		{8000145, OTPSuspended},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, otpKindForCode(tt.code), "code %d", tt.code)
	}
}

func TestNewOTPChallenge_ParsesHeaders(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}
	resp.Header.Set(HeaderOTPChannels, "sms, email ,push")
	resp.Header.Set(HeaderOTPRetry, "2")
	resp.Header.Set(HeaderOTPRetryWait, "30")

	c := newOTPChallenge(8000141, resp, ServerError{Code: 8000141, Status: http.StatusUnauthorized})

	assert.Equal(t, OTPInvalid, c.Kind)
	assert.Equal(t, []string{"sms", "email", "push"}, c.Channels)
	assert.Equal(t, 2, c.RetriesRemaining)
	assert.Equal(t, 30*time.Second, c.RetryInterval)
}

func TestNewOTPChallenge_MissingHeaders(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}

	c := newOTPChallenge(8000140, resp, ServerError{Code: 8000140})

	assert.Equal(t, OTPRequired, c.Kind)
	assert.Empty(t, c.Channels)
	assert.Zero(t, c.RetriesRemaining)
	assert.Zero(t, c.RetryInterval)
}

func TestTOTPResponder(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "mag-test", AccountName: "device"})
	require.NoError(t, err)

	responder := &TOTPResponder{Secret: key.Secret()}
	code, err := responder.Respond(&OTPChallenge{Kind: OTPRequired})
	require.NoError(t, err)

	ok := totp.Validate(code, key.Secret())
	assert.True(t, ok, "generated passcode must validate against the secret")
}
