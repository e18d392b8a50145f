// Package mag implements the client side of the mobile application gateway
// protocol: device registration over CSR enrollment, mTLS transport with
// optional public-key pinning, OAuth2 token acquisition and renewal, and the
// policy chain protected requests pass through.
//
// The central type is Session, which owns the authentication state machine.
// Callers construct a Session from a gateway profile and credentials, then
// send protected requests through Session.Do; registration and token
// acquisition happen lazily on first use. Per-gateway state (certificates,
// token pairs, dynamic clients) persists through a pluggable storage
// backend, namespaced by gateway identity so switching gateways never mixes
// credentials.
package mag
