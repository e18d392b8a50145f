package mag

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// OTPKind classifies an OTP challenge.
type OTPKind int

const (
	// OTPRequired: the request needs a one-time passcode the caller has not
	// supplied yet.
	OTPRequired OTPKind = iota
	// OTPInvalid: the supplied passcode was rejected.
	OTPInvalid
	// OTPExpired: the supplied passcode is no longer valid.
	OTPExpired
	// OTPSuspended: too many failed attempts; the flow is locked out.
	OTPSuspended
)

func (k OTPKind) String() string {
	switch k {
	case OTPRequired:
		return "required"
	case OTPInvalid:
		return "invalid"
	case OTPExpired:
		return "expired"
	case OTPSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// OTPChallenge is a structured secondary-authentication challenge. It is
// surfaced through the error channel because it interrupts the request, but
// the expected caller action is "collect more input", not "fail": the
// challenge carries the delivery channels and retry metadata needed to
// continue the flow.
type OTPChallenge struct {
	ServerError

	Kind             OTPKind
	Channels         []string
	RetriesRemaining int
	RetryInterval    time.Duration
}

func (c *OTPChallenge) Error() string {
	return "mag: otp challenge (" + c.Kind.String() + ")"
}

// otpKindForCode maps the vendor code to a challenge kind.
func otpKindForCode(code int) OTPKind {
	switch code {
	case 8000140:
		return OTPRequired
	case 8000141, 8000144:
		return OTPInvalid
	case 8000143:
		return OTPExpired
	case 8000142, 8000145:
		return OTPSuspended
	default:
		return OTPRequired
	}
}

func newOTPChallenge(code int, resp *http.Response, base ServerError) *OTPChallenge {
	c := &OTPChallenge{
		ServerError: base,
		Kind:        otpKindForCode(code),
	}

	if raw := resp.Header.Get(HeaderOTPChannels); raw != "" {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				c.Channels = append(c.Channels, ch)
			}
		}
	}
	if raw := resp.Header.Get(HeaderOTPRetry); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.RetriesRemaining = n
		}
	}
	if raw := resp.Header.Get(HeaderOTPRetryWait); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			c.RetryInterval = time.Duration(secs) * time.Second
		}
	}
	return c
}

// OTPResponder answers OTP challenges without user interaction. A session
// configured with a responder retries a challenged request once with the
// produced passcode; without one, the challenge is returned to the caller.
type OTPResponder interface {
	Respond(challenge *OTPChallenge) (string, error)
}

// TOTPResponder answers challenges from a provisioned TOTP secret, for
// deployments where the device holds a local authenticator enrollment.
type TOTPResponder struct {
	Secret string
}

func (r *TOTPResponder) Respond(*OTPChallenge) (string, error) {
	return totp.GenerateCode(r.Secret, time.Now())
}
