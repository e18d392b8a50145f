package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentityString(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"no prefix", NewIdentity("gw.example.com", 443, ""), "gw.example.com:443"},
		{"prefix", NewIdentity("gw.example.com", 8443, "mag"), "gw.example.com:8443/mag"},
		{"prefix slashes trimmed", NewIdentity("gw.example.com", 8443, "/mag/"), "gw.example.com:8443/mag"},
		{"host whitespace trimmed", NewIdentity(" gw.example.com ", 443, ""), "gw.example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.id.String())
		})
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Identity
		wantErr bool
	}{
		{"no prefix", "gw.example.com:443", NewIdentity("gw.example.com", 443, ""), false},
		{"prefix", "gw.example.com:8443/mag", NewIdentity("gw.example.com", 8443, "mag"), false},
		{"missing port", "gw.example.com", Identity{}, true},
		{"missing host", ":443", Identity{}, true},
		{"bad port", "gw.example.com:eighty", Identity{}, true},
		{"port out of range", "gw.example.com:70000", Identity{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, got.String())
		})
	}
}

func TestIdentityEquality(t *testing.T) {
	a := NewIdentity("gw.example.com", 443, "mag")
	b := NewIdentity("gw.example.com", 443, "/mag")
	c := NewIdentity("gw.example.com", 444, "mag")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.True(t, Identity{}.IsZero())
	require.False(t, a.IsZero())
}

const sampleProfile = `{
  "server": {"hostname": "gw.example.com", "port": 8443, "prefix": "mag", "timeout": "10s"},
  "oauth": {"client_id": "master-client", "client_secret": "s3cret", "scope": "openid msso"},
  "mag": {
    "msisdn_enabled": true,
    "storage": {"backend": "boltdb", "path": "/tmp/mag.db"},
    "certificate_pins": ["pin-one", "pin-two"]
  }
}`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)

	require.Equal(t, "gw.example.com:8443/mag", p.Identity.String())
	require.Equal(t, "master-client", p.ClientID)
	require.Equal(t, "s3cret", p.ClientSecret)
	require.Equal(t, "openid msso", p.Scope)
	require.True(t, p.MSISDNEnabled)
	require.Equal(t, "boltdb", p.StorageBackend)
	require.Equal(t, "/tmp/mag.db", p.StoragePath)
	require.Equal(t, []string{"pin-one", "pin-two"}, p.CertificatePins)
	require.Equal(t, 10*time.Second, p.Timeout)
}

func TestParseProfileDefaults(t *testing.T) {
	p, err := ParseProfile([]byte(`{"server":{"hostname":"gw"},"oauth":{"client_id":"c"}}`))
	require.NoError(t, err)
	require.Equal(t, 443, p.Identity.Port)
	require.Equal(t, DefaultTimeout, p.Timeout)
	require.False(t, p.MSISDNEnabled)
	require.Empty(t, p.StorageBackend)
}

func TestParseProfileErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"invalid json", `{"server":`, "profile"},
		{"missing host", `{"server":{"port":443},"oauth":{"client_id":"c"}}`, "server.hostname"},
		{"bad port", `{"server":{"hostname":"gw","port":99999},"oauth":{"client_id":"c"}}`, "server.port"},
		{"missing client id", `{"server":{"hostname":"gw"}}`, "oauth.client_id"},
		{"bad timeout", `{"server":{"hostname":"gw","timeout":"soon"},"oauth":{"client_id":"c"}}`, "server.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfile([]byte(tt.doc))
			require.Error(t, err)

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestApplyEnvOverride(t *testing.T) {
	t.Setenv("MAG_GATEWAY_HOST", "override.example.com")
	t.Setenv("MAG_STORAGE_BACKEND", "sqlite")

	p, err := ParseProfile([]byte(sampleProfile))
	require.NoError(t, err)
	require.NoError(t, p.ApplyEnv())

	require.Equal(t, "override.example.com", p.Identity.Host)
	require.Equal(t, 8443, p.Identity.Port) // untouched
	require.Equal(t, "sqlite", p.StorageBackend)
	require.Equal(t, "master-client", p.ClientID) // untouched
}

func twoProfileRegistry(t *testing.T) (*Registry, Identity, Identity) {
	t.Helper()
	a := &Profile{Identity: NewIdentity("gw-a", 443, "")}
	b := &Profile{Identity: NewIdentity("gw-b", 443, "")}

	r := NewRegistry(a)
	r.Register(b)
	return r, a.Identity, b.Identity
}

func TestRegistrySwitchEvents(t *testing.T) {
	r, a, b := twoProfileRegistry(t)
	require.Equal(t, a, r.Active())

	var events []SwitchEvent
	r.Subscribe(func(e SwitchEvent) {
		events = append(events, e)
		// Before-phase listeners observe the old gateway still active.
		if e.Phase == PhaseBefore {
			require.Equal(t, a, r.Active())
		} else {
			require.Equal(t, b, r.Active())
		}
	})

	require.NoError(t, r.Switch(b))
	require.Equal(t, b, r.Active())

	require.Len(t, events, 2)
	require.Equal(t, SwitchEvent{Phase: PhaseBefore, From: a, To: b}, events[0])
	require.Equal(t, SwitchEvent{Phase: PhaseAfter, From: a, To: b}, events[1])
}

func TestRegistrySwitchUnknown(t *testing.T) {
	r, _, _ := twoProfileRegistry(t)
	err := r.Switch(NewIdentity("nowhere", 443, ""))
	require.ErrorIs(t, err, ErrUnknownGateway)
}

func TestRegistrySwitchToActiveIsNoop(t *testing.T) {
	r, a, _ := twoProfileRegistry(t)

	fired := 0
	r.Subscribe(func(SwitchEvent) { fired++ })

	require.NoError(t, r.Switch(a))
	require.Zero(t, fired)
}

func TestRegistryUnsubscribe(t *testing.T) {
	r, _, b := twoProfileRegistry(t)

	fired := 0
	cancel := r.Subscribe(func(SwitchEvent) { fired++ })
	cancel()

	require.NoError(t, r.Switch(b))
	require.Zero(t, fired)
}

func TestRegistryIdentities(t *testing.T) {
	r, a, b := twoProfileRegistry(t)
	ids := r.Identities()
	require.Len(t, ids, 2)
	require.Contains(t, ids, a)
	require.Contains(t, ids, b)

	require.NotNil(t, r.Profile(a))
	require.Nil(t, r.Profile(NewIdentity("nowhere", 1, "")))
}
