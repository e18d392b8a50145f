package gateway

import (
	"errors"
	"sync"
)

// ErrUnknownGateway reports a switch to an identity with no registered
// profile.
var ErrUnknownGateway = errors.New("gateway: unknown gateway")

// Phase orders switch notifications.
type Phase int

const (
	// PhaseBefore fires while the old identity is still active.
	PhaseBefore Phase = iota
	// PhaseAfter fires once the new identity is active.
	PhaseAfter
)

// SwitchEvent notifies a subscriber of a gateway switch.
type SwitchEvent struct {
	Phase Phase
	From  Identity
	To    Identity
}

// SwitchListener receives switch events. Listeners are called synchronously
// in subscription order, before-phase first, and must not call back into
// Switch.
type SwitchListener func(SwitchEvent)

// Registry holds the registered gateway profiles and the active identity.
// Components that cache per-gateway state (HTTP client, socket factory)
// subscribe to rebuild on switch.
type Registry struct {
	mu        sync.RWMutex
	active    Identity
	profiles  map[string]*Profile
	listeners []SwitchListener
}

// NewRegistry creates a registry with initial as the active gateway.
func NewRegistry(initial *Profile) *Registry {
	r := &Registry{profiles: make(map[string]*Profile)}
	if initial != nil {
		r.profiles[initial.Identity.String()] = initial
		r.active = initial.Identity
	}
	return r
}

// Register adds or replaces a gateway profile. Registering does not switch.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Identity.String()] = p
	if r.active.IsZero() {
		r.active = p.Identity
	}
}

// Active returns the currently connected gateway identity.
func (r *Registry) Active() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ActiveProfile returns the profile of the connected gateway.
func (r *Registry) ActiveProfile() *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.active.String()]
}

// Profile returns the profile registered for id, or nil.
func (r *Registry) Profile(id Identity) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[id.String()]
}

// Identities lists all registered gateway identities.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]Identity, 0, len(r.profiles))
	for _, p := range r.profiles {
		ids = append(ids, p.Identity)
	}
	return ids
}

// Subscribe registers a listener and returns its cancel function.
func (r *Registry) Subscribe(l SwitchListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	idx := len(r.listeners) - 1
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.listeners[idx] = nil
	}
}

// Switch changes the active gateway. Before events fire with the old
// identity still active, the swap itself is atomic, then after events fire.
// Switching to the already-active identity is a no-op with no events.
func (r *Registry) Switch(to Identity) error {
	r.mu.Lock()
	if _, ok := r.profiles[to.String()]; !ok {
		r.mu.Unlock()
		return ErrUnknownGateway
	}
	from := r.active
	if from == to {
		r.mu.Unlock()
		return nil
	}
	listeners := make([]SwitchListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(SwitchEvent{Phase: PhaseBefore, From: from, To: to})
		}
	}

	r.mu.Lock()
	r.active = to
	r.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(SwitchEvent{Phase: PhaseAfter, From: from, To: to})
		}
	}
	return nil
}
