package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/gjson"
)

// Storage backend names accepted in profiles. Selection semantics: an empty
// backend falls back to DefaultStorageBackend; an unknown backend fails SDK
// construction with a typed error. Missing config is forgivable, broken
// config is not.
const (
	StorageMemory         = "memory"
	StorageBoltDB         = "boltdb"
	StorageSQLite         = "sqlite"
	DefaultStorageBackend = StorageMemory
)

// DefaultTimeout is the per-request HTTP timeout when the profile does not
// set one.
const DefaultTimeout = 30 * time.Second

// ConfigError reports an invalid gateway profile. Configuration errors are
// fatal at initialization and never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway config: %s: %s", e.Field, e.Reason)
}

// Profile is the parsed configuration for one gateway.
type Profile struct {
	Identity Identity

	// Master OAuth client this app was issued for this gateway.
	ClientID     string
	ClientSecret string
	Scope        string

	// MSISDNEnabled turns on the telephone policy assertion.
	MSISDNEnabled bool

	// Storage backend selection for this gateway's credential material.
	StorageBackend    string
	StoragePath       string
	StoragePassphrase string

	// CertificatePins are public key hashes accepted for the gateway's TLS
	// chain. Empty means system trust only.
	CertificatePins []string

	// Insecure allows plain HTTP. Only for tests and local development.
	Insecure bool

	Timeout time.Duration
}

// ParseProfile parses a JSON gateway profile document:
//
//	{
//	  "server": {"hostname": "gw.example.com", "port": 8443, "prefix": "mag"},
//	  "oauth":  {"client_id": "...", "client_secret": "...", "scope": "openid msso"},
//	  "mag": {
//	    "msisdn_enabled": true,
//	    "storage": {"backend": "boltdb", "path": "/var/lib/app/mag.db"},
//	    "certificate_pins": ["base64-spki-sha256", ...]
//	  }
//	}
func ParseProfile(data []byte) (*Profile, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ConfigError{Field: "profile", Reason: "not valid JSON"}
	}

	doc := gjson.ParseBytes(data)

	host := doc.Get("server.hostname").String()
	if host == "" {
		return nil, &ConfigError{Field: "server.hostname", Reason: "required"}
	}

	port := int(doc.Get("server.port").Int())
	if port == 0 {
		port = 443
	}
	if port < 1 || port > 65535 {
		return nil, &ConfigError{Field: "server.port", Reason: fmt.Sprintf("out of range: %d", port)}
	}

	p := &Profile{
		Identity:          NewIdentity(host, port, doc.Get("server.prefix").String()),
		ClientID:          doc.Get("oauth.client_id").String(),
		ClientSecret:      doc.Get("oauth.client_secret").String(),
		Scope:             doc.Get("oauth.scope").String(),
		MSISDNEnabled:     doc.Get("mag.msisdn_enabled").Bool(),
		StorageBackend:    doc.Get("mag.storage.backend").String(),
		StoragePath:       doc.Get("mag.storage.path").String(),
		StoragePassphrase: doc.Get("mag.storage.passphrase").String(),
		Insecure:          doc.Get("server.insecure").Bool(),
		Timeout:           DefaultTimeout,
	}

	if t := doc.Get("server.timeout"); t.Exists() {
		d, err := time.ParseDuration(t.String())
		if err != nil {
			return nil, &ConfigError{Field: "server.timeout", Reason: err.Error()}
		}
		p.Timeout = d
	}

	for _, pin := range doc.Get("mag.certificate_pins").Array() {
		p.CertificatePins = append(p.CertificatePins, pin.String())
	}

	if p.ClientID == "" {
		return nil, &ConfigError{Field: "oauth.client_id", Reason: "required"}
	}

	return p, nil
}

// envOverlay maps environment overrides onto a parsed profile. Values are
// only applied when the variable is set.
type envOverlay struct {
	Host           string `env:"MAG_GATEWAY_HOST"`
	Port           int    `env:"MAG_GATEWAY_PORT"`
	Prefix         string `env:"MAG_GATEWAY_PREFIX"`
	ClientID       string `env:"MAG_CLIENT_ID"`
	ClientSecret   string `env:"MAG_CLIENT_SECRET"`
	StorageBackend string `env:"MAG_STORAGE_BACKEND"`
	StoragePath    string `env:"MAG_STORAGE_PATH"`
	Passphrase     string `env:"MAG_STORAGE_PASSPHRASE"`
}

// ApplyEnv overlays MAG_* environment variables onto p. The environment wins
// over the profile document, which lets a deployment redirect an app to a
// different gateway without editing the shipped profile.
func (p *Profile) ApplyEnv() error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return &ConfigError{Field: "env", Reason: err.Error()}
	}

	host, port, prefix := p.Identity.Host, p.Identity.Port, p.Identity.Prefix
	if o.Host != "" {
		host = o.Host
	}
	if o.Port != 0 {
		port = o.Port
	}
	if o.Prefix != "" {
		prefix = o.Prefix
	}
	p.Identity = NewIdentity(host, port, prefix)

	if o.ClientID != "" {
		p.ClientID = o.ClientID
	}
	if o.ClientSecret != "" {
		p.ClientSecret = o.ClientSecret
	}
	if o.StorageBackend != "" {
		p.StorageBackend = o.StorageBackend
	}
	if o.StoragePath != "" {
		p.StoragePath = o.StoragePath
	}
	if o.Passphrase != "" {
		p.StoragePassphrase = o.Passphrase
	}
	return nil
}
