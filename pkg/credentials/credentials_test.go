package credentials

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func paramValue(params []Param, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func TestPasswordCredential(t *testing.T) {
	p := NewPassword("alice", []byte("pw"))
	require.True(t, p.Valid())
	require.True(t, p.Reusable())
	require.Equal(t, GrantPassword, p.GrantType())
	require.Equal(t, "alice", p.Username())

	h := p.Headers()
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	require.Equal(t, expected, h.Get("Authorization"))

	params := p.Params()
	user, ok := paramValue(params, "username")
	require.True(t, ok)
	require.Equal(t, "alice", user)
	pw, ok := paramValue(params, "password")
	require.True(t, ok)
	require.Equal(t, "pw", pw)

	// Reusable: a second render works identically.
	require.Equal(t, params, p.Params())
}

func TestPasswordValidity(t *testing.T) {
	require.False(t, NewPassword("", []byte("pw")).Valid())
	require.False(t, NewPassword("alice", nil).Valid())
}

func TestPasswordClearScrubs(t *testing.T) {
	p := NewPassword("alice", []byte("pw"))
	p.Clear()

	require.False(t, p.Valid())
	require.Empty(t, p.Params())
	require.Empty(t, p.Headers().Get("Authorization"))
}

func TestClientCredentials(t *testing.T) {
	c := NewClientCredentials()
	require.True(t, c.Valid())
	require.True(t, c.Reusable())
	require.Equal(t, GrantClientCredentials, c.GrantType())
	require.Empty(t, c.Username())
	require.Empty(t, c.Params())
}

func TestAuthorizationCodeConsumesVerifierOnce(t *testing.T) {
	cache := NewVerifierCache(time.Minute)
	cache.Put("state-1", "the-verifier")

	a := NewAuthorizationCode("code-1", "state-1", "app://callback", cache)
	require.False(t, a.Reusable())

	params := a.Params()
	v, ok := paramValue(params, "code_verifier")
	require.True(t, ok)
	require.Equal(t, "the-verifier", v)
	uri, ok := paramValue(params, "redirect_uri")
	require.True(t, ok)
	require.Equal(t, "app://callback", uri)

	// Second render: the verifier is gone, never duplicated.
	again := a.Params()
	_, ok = paramValue(again, "code_verifier")
	require.False(t, ok)
}

func TestAuthorizationCodeWithoutPKCE(t *testing.T) {
	a := NewAuthorizationCode("code-1", "", "", nil)
	params := a.Params()
	code, ok := paramValue(params, "code")
	require.True(t, ok)
	require.Equal(t, "code-1", code)
	_, ok = paramValue(params, "code_verifier")
	require.False(t, ok)
}

func TestAuthorizationCodeClear(t *testing.T) {
	a := NewAuthorizationCode("code-1", "", "", nil)
	a.Clear()
	require.False(t, a.Valid())
	require.Empty(t, a.Params())
}

func TestVerifierCacheExpiry(t *testing.T) {
	cache := NewVerifierCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Put("s", "v")
	now = now.Add(2 * time.Minute)

	_, ok := cache.Consume("s")
	require.False(t, ok)
}

func TestNewVerifierAndChallenge(t *testing.T) {
	v1, err := NewVerifier()
	require.NoError(t, err)
	v2, err := NewVerifier()
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
	require.Len(t, v1, 43)

	c := ChallengeS256(v1)
	require.NotEmpty(t, c)
	require.Equal(t, c, ChallengeS256(v1))
	require.NotEqual(t, c, ChallengeS256(v2))
}

func signedAssertion(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestJWTBearer(t *testing.T) {
	assertion := signedAssertion(t, jwt.MapClaims{
		"sub": "alice@idp",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	b := NewJWTBearer(assertion)
	require.True(t, b.Valid())
	require.False(t, b.Reusable())
	require.Equal(t, GrantJWTBearer, b.GrantType())
	require.Equal(t, "alice@idp", b.Username())

	v, ok := paramValue(b.Params(), "assertion")
	require.True(t, ok)
	require.Equal(t, assertion, v)
	require.Empty(t, b.Headers().Get("x-id-token"))
}

func TestJWTBearerRejectsExpired(t *testing.T) {
	assertion := signedAssertion(t, jwt.MapClaims{
		"sub": "alice@idp",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	b := NewJWTBearer(assertion)
	require.False(t, b.Valid())
	require.Empty(t, b.Params())
}

func TestIDTokenBearerHeaders(t *testing.T) {
	assertion := signedAssertion(t, jwt.MapClaims{
		"sub": "alice@idp",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	b := NewIDTokenBearer(assertion, "urn:gatewise:idtoken")
	require.True(t, b.Valid())
	require.Equal(t, "urn:gatewise:idtoken", b.GrantType())

	h := b.Headers()
	require.Equal(t, assertion, h.Get("x-id-token"))
	require.Equal(t, "urn:gatewise:idtoken", h.Get("x-id-token-type"))
	require.Empty(t, b.Params())
}

func TestBearerClearScrubs(t *testing.T) {
	assertion := signedAssertion(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	b := NewJWTBearer(assertion)
	b.Clear()
	require.False(t, b.Valid())
	require.Empty(t, b.Params())
}
