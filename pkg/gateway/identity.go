// Package gateway models backend gateway identity and configuration: which
// gateway the SDK is connected to, how its profile is loaded, and how a
// runtime switch between gateways is observed by dependent components.
package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity names one backend gateway. It is immutable per connection and its
// string form namespaces all persisted credential material, so two gateways
// never share storage keys.
type Identity struct {
	Host   string
	Port   int
	Prefix string
}

// NewIdentity normalizes host and prefix (slashes trimmed) into an Identity.
func NewIdentity(host string, port int, prefix string) Identity {
	return Identity{
		Host:   strings.TrimSpace(host),
		Port:   port,
		Prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}
}

// ParseIdentity parses the canonical "host:port" or "host:port/prefix" form
// produced by Identity.String.
func ParseIdentity(s string) (Identity, error) {
	addr, prefix, _ := strings.Cut(s, "/")
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return Identity{}, fmt.Errorf("gateway identity %q: want host:port[/prefix]", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Identity{}, fmt.Errorf("gateway identity %q: bad port %q", s, portStr)
	}
	return NewIdentity(host, port, prefix), nil
}

// String returns the canonical namespace form, "host:port" or
// "host:port/prefix". Equality of identities is equality of this string.
func (id Identity) String() string {
	s := fmt.Sprintf("%s:%d", id.Host, id.Port)
	if id.Prefix != "" {
		s += "/" + id.Prefix
	}
	return s
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Host == ""
}
