package mag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/gatewise/mag/pkg/credentials"
	"github.com/gatewise/mag/pkg/gateway"
	"github.com/gatewise/mag/pkg/idx"
	"github.com/gatewise/mag/pkg/slogx"
	"github.com/gatewise/mag/pkg/storage"
	"github.com/gatewise/mag/pkg/storage/boltdb"
	"github.com/gatewise/mag/pkg/storage/memory"
	"github.com/gatewise/mag/pkg/storage/sqlitedb"
)

// Config assembles a Session. Registry or Profile must be set; everything
// else has a working default.
type Config struct {
	// Registry supplies the known gateways. When nil, a registry is built
	// around Profile.
	Registry *gateway.Registry

	// Profile is the initial gateway when no Registry is given.
	Profile *gateway.Profile

	// Credentials authenticate the user or app. Required.
	Credentials credentials.Credentials

	// Device identifies this device to the gateway.
	Device DeviceInfo

	// DataSource overrides the storage backend chosen by the profile.
	DataSource storage.DataSource

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OTPResponder, when set, answers OTP challenges automatically.
	OTPResponder OTPResponder
}

// Session is the authenticated gateway session: it owns the state machine
// from unregistered device to authenticated caller and the policy chain
// every protected request passes through.
type Session struct {
	registry *gateway.Registry
	store    *TokenStore
	client   *GatewayClient
	creds    credentials.Credentials
	device   DeviceInfo
	logger   *slog.Logger
	otp      OTPResponder
	chain    *policyChain

	state atomic.Int32

	// acquire collapses concurrent token acquisition per gateway identity.
	acquire singleflight.Group

	// credsUsed guards single-use credentials: once presented, a
	// non-reusable credential is never sent again.
	mu        sync.Mutex
	credsUsed bool

	unsubscribe func()
}

// New builds a session against the registry's active gateway. The storage
// backend comes from the gateway profile unless cfg.DataSource overrides it;
// an unknown backend name fails construction rather than silently falling
// back.
func New(cfg Config) (*Session, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("mag: config requires credentials")
	}

	registry := cfg.Registry
	if registry == nil {
		if cfg.Profile == nil {
			return nil, fmt.Errorf("mag: config requires a registry or a profile")
		}
		registry = gateway.NewRegistry(cfg.Profile)
	}
	profile := registry.ActiveProfile()
	if profile == nil {
		return nil, fmt.Errorf("mag: registry has no active gateway")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	source := cfg.DataSource
	if source == nil {
		var err error
		source, err = openStorage(profile)
		if err != nil {
			return nil, err
		}
	}

	store := NewTokenStore(source, profile.Identity)
	s := &Session{
		registry: registry,
		store:    store,
		creds:    cfg.Credentials,
		device:   cfg.Device,
		logger:   logger,
		otp:      cfg.OTPResponder,
		chain:    defaultChain(),
	}
	s.client = NewGatewayClient(registry, store, logger)

	if err := s.chain.init(s); err != nil {
		return nil, err
	}
	s.state.Store(int32(s.restoredState()))

	// Track registry-driven gateway switches even when they bypass
	// SwitchGateway.
	s.unsubscribe = registry.Subscribe(func(ev gateway.SwitchEvent) {
		if ev.Phase != gateway.PhaseAfter {
			return
		}
		s.store.SetIdentity(ev.To)
		s.client.Reset()
		s.state.Store(int32(s.restoredState()))
		s.logger.Info("gateway switched", "from", ev.From.String(), "to", ev.To.String())
	})

	return s, nil
}

// openStorage maps the profile's backend name onto a data source. An empty
// name means in-memory; a name we do not know is a configuration error.
func openStorage(p *gateway.Profile) (storage.DataSource, error) {
	switch p.StorageBackend {
	case "", gateway.StorageMemory:
		return memory.New(), nil
	case gateway.StorageBoltDB:
		return boltdb.Open(p.StoragePath, boltdb.Options{Passphrase: []byte(p.StoragePassphrase)})
	case gateway.StorageSQLite:
		return sqlitedb.Open(p.StoragePath)
	default:
		return nil, storage.NewError(p.StorageBackend, "open",
			fmt.Errorf("unknown storage backend %q", p.StorageBackend))
	}
}

// restoredState derives the coarse session state from what the store holds
// for the active gateway.
func (s *Session) restoredState() State {
	if _, ok, err := s.store.MagIdentifier(); err != nil || !ok {
		return StateUnregistered
	}
	if _, ok, err := s.store.AccessToken(); err == nil && ok {
		return StateAuthenticated
	}
	return StateRegistered
}

// State returns the current authentication state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Gateway returns the identity of the gateway the session is bound to.
func (s *Session) Gateway() gateway.Identity {
	return s.registry.Active()
}

// Store exposes the per-gateway token store for inspection.
func (s *Session) Store() *TokenStore {
	return s.store
}

// Do sends a protected request through the policy chain. The body of req
// must be rewindable (GetBody set or nil) because the request may be retried
// once after recovery.
//
// A response is returned for whatever the gateway answered, including
// non-2xx statuses, unless a policy converts the response into a typed
// error. Recoverable errors trigger exactly one corrective action and one
// retry; a second failure is returned as-is.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	info := &RequestInfo{ID: idx.New(), Request: req}
	ctx = slogx.WithRequestID(ctx, info.ID)

	resp, err := s.attempt(ctx, info)
	if err == nil {
		return resp, nil
	}

	if challenge, ok := err.(*OTPChallenge); ok {
		return s.answerOTP(ctx, info, challenge)
	}

	var retryable RetryError
	if !errors.As(err, &retryable) {
		return nil, err
	}

	// Recovery mutates shared session state (certificates, token pairs), so
	// it runs to completion even when this request's context is already
	// cancelled. Only the retry is subject to the caller's cancellation.
	if rerr := retryable.Recover(context.WithoutCancel(ctx), s); rerr != nil {
		s.logger.Warn("recovery failed", "request_id", info.ID.String(), "error", rerr)
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	info.Attempt++
	return s.attempt(ctx, info)
}

// answerOTP retries a challenged request once with a responder-produced
// passcode. Without a responder, or for a locked-out flow, the challenge
// goes to the caller.
func (s *Session) answerOTP(ctx context.Context, info *RequestInfo, challenge *OTPChallenge) (*http.Response, error) {
	if s.otp == nil || info.Attempt > 0 || challenge.Kind == OTPSuspended {
		return nil, challenge
	}

	code, err := s.otp.Respond(challenge)
	if err != nil {
		s.logger.Warn("otp responder failed", "request_id", info.ID.String(), "error", err)
		return nil, challenge
	}

	info.Attempt++
	info.otpCode = code
	resp, retryErr := s.attempt(ctx, info)
	if retryErr != nil {
		return nil, retryErr
	}
	return resp, nil
}

// attempt runs one pass of the policy chain around one HTTP exchange.
func (s *Session) attempt(ctx context.Context, info *RequestInfo) (*http.Response, error) {
	clone := info.Request.Clone(ctx)
	if info.Request.GetBody != nil {
		body, err := info.Request.GetBody()
		if err != nil {
			return nil, fmt.Errorf("mag: rewind request body: %w", err)
		}
		clone.Body = body
	}
	if info.otpCode != "" {
		clone.Header.Set(HeaderOTP, info.otpCode)
	}

	attemptInfo := *info
	attemptInfo.Request = clone
	if err := s.chain.processRequest(ctx, &attemptInfo); err != nil {
		return nil, err
	}

	httpClient, err := s.client.client()
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(clone)
	if err != nil {
		return nil, err
	}

	if err := s.chain.processResponse(ctx, &attemptInfo, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// ensureToken returns a currently valid access token, driving registration,
// dynamic client initialization and token acquisition as needed. Concurrent
// callers against the same gateway share one acquisition flight.
func (s *Session) ensureToken(ctx context.Context) (string, error) {
	if token, ok, err := s.store.AccessToken(); err != nil {
		return "", err
	} else if ok {
		return token, nil
	}

	key := s.store.Identity().String()
	v, err, _ := s.acquire.Do(key, func() (any, error) {
		return s.acquireToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Session) acquireToken(ctx context.Context) (string, error) {
	// A concurrent flight may have finished between the check and the call.
	if token, ok, err := s.store.AccessToken(); err != nil {
		return "", err
	} else if ok {
		return token, nil
	}

	// A refresh token means the device session is alive: refresh, never
	// re-register.
	if refresh, ok, err := s.store.RefreshToken(); err != nil {
		return "", err
	} else if ok && refresh != "" {
		s.setState(StateTokenPending)
		token, err := s.client.RefreshToken(ctx)
		if err == nil {
			s.setState(StateAuthenticated)
			return token.AccessToken, nil
		}
		s.logger.Warn("token refresh rejected", "error", err)
		if cerr := s.store.ClearAccessAndRefreshTokens(); cerr != nil {
			return "", cerr
		}
	}

	if err := s.ensureRegistered(ctx); err != nil {
		return "", err
	}

	creds, err := s.takeCredentials()
	if err != nil {
		return "", err
	}

	s.setState(StateTokenPending)
	token, err := s.client.RequestToken(ctx, creds)
	if err != nil {
		s.setState(StateRegistered)
		return "", err
	}
	s.setState(StateAuthenticated)
	return token.AccessToken, nil
}

// ensureRegistered registers the device and its dynamic client when the
// store holds no registration for the active gateway.
func (s *Session) ensureRegistered(ctx context.Context) error {
	if _, ok, err := s.store.MagIdentifier(); err != nil {
		return err
	} else if ok {
		return nil
	}

	creds, err := s.takeCredentials()
	if err != nil {
		return err
	}

	s.setState(StateRegistering)
	if creds.GrantType() == credentials.GrantClientCredentials {
		_, err = s.client.RegisterClient(ctx, creds, s.device)
	} else {
		_, err = s.client.RegisterDevice(ctx, creds, s.device)
	}
	if err != nil {
		s.setState(StateUnregistered)
		return err
	}

	if _, err := s.client.InitializeClient(ctx); err != nil {
		s.logger.Warn("dynamic client registration unavailable", "error", err)
	}

	s.setState(StateRegistered)
	return nil
}

// takeCredentials returns the configured credentials for one more
// presentation. A single-use credential already presented fails terminally:
// stale single-use material is never replayed.
func (s *Session) takeCredentials() (credentials.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.creds.Valid() {
		return nil, ErrCredentialsNotReusable
	}
	if s.credsUsed && !s.creds.Reusable() {
		// The stored id token from registration can stand in for the
		// consumed credential.
		if idToken, idTokenType, ok, err := s.store.IDToken(); err == nil && ok {
			return credentials.NewIDTokenBearer(idToken, idTokenType), nil
		}
		return nil, ErrCredentialsNotReusable
	}
	s.credsUsed = true
	return s.creds, nil
}

// Authenticate drives registration and token acquisition to completion
// without sending a protected request.
func (s *Session) Authenticate(ctx context.Context) error {
	_, err := s.ensureToken(ctx)
	return err
}

// AccessToken returns a currently valid access token, acquiring one when the
// store holds none.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.ensureToken(ctx)
}

// RenewCertificate renews the device certificate in place and rebuilds the
// mTLS transport around it.
func (s *Session) RenewCertificate(ctx context.Context) error {
	chain, err := s.client.RenewDevice(ctx)
	if err != nil {
		return err
	}
	if err := s.store.SaveCertificateChain(chain); err != nil {
		return err
	}
	s.client.Reset()
	return nil
}

// Gateways lists every gateway known to the session's registry.
func (s *Session) Gateways() []gateway.Identity {
	return s.registry.Identities()
}

// SwitchGateway moves the session to another registered gateway. The old
// gateway's persisted state stays under its own namespace; the session state
// is re-derived from whatever the store already holds for the target.
func (s *Session) SwitchGateway(id gateway.Identity) error {
	return s.registry.Switch(id)
}

// Logout revokes the token pair at the gateway and clears it locally. The
// device registration survives: the next request needs a token, not a
// re-registration.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.client.Logout(ctx); err != nil {
		return err
	}
	if err := s.store.ClearAccessAndRefreshTokens(); err != nil {
		return err
	}
	s.setState(StateRegistered)
	return nil
}

// Deregister removes the device at the gateway and destroys all local state
// for it.
func (s *Session) Deregister(ctx context.Context) error {
	if err := s.client.RemoveDevice(ctx); err != nil {
		return err
	}
	return s.DestroyAllPersistentTokens()
}

// DestroyAllPersistentTokens wipes every persisted record for the active
// gateway and returns the session to the unregistered state.
func (s *Session) DestroyAllPersistentTokens() error {
	if err := s.store.DestroyAllPersistentTokens(); err != nil {
		return err
	}
	s.client.Reset()
	s.setState(StateUnregistered)
	return nil
}

// Close shuts the session down: the policy chain closes, credentials are
// scrubbed and the storage backend is released.
func (s *Session) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	err := s.chain.close()
	s.creds.Clear()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
