package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/tiergate/internal/credstore"
	"github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/identity"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// Identity is the part of the remote identity service the session needs.
// *identity.Client satisfies it.
type Identity interface {
	Token(ctx context.Context, email, password string) (identity.Token, error)
	Me(ctx context.Context) (*licensing.User, error)
	Register(ctx context.Context, name, email, password string) error
}

// Config configures a session Client.
type Config struct {
	Store    credstore.Store
	Identity Identity
	// State is optional; nil creates a fresh one.
	State  *State
	Logger zerolog.Logger
	// Now is optional and used for the token expiry pre-check.
	Now func() time.Time
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Client establishes and tears down identity. It is the owner of the
// credential store and of State.
type Client struct {
	store    credstore.Store
	identity Identity
	state    *State
	logger   zerolog.Logger
	now      func() time.Time
	metrics  *metrics.Metrics

	// storeMu pairs a generation check with the store write it guards, so a
	// login racing a logout can never leave a token behind.
	storeMu sync.Mutex
}

// New creates a session client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: credential store is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("session: identity client is required")
	}
	state := cfg.State
	if state == nil {
		state = NewState()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		store:    cfg.Store,
		identity: cfg.Identity,
		state:    state,
		logger:   cfg.Logger,
		now:      now,
		metrics:  cfg.Metrics,
	}, nil
}

// State returns the session state for readers.
func (c *Client) State() *State { return c.state }

// Initialize rehydrates the user record from a stored token. Failures leave
// the session unauthenticated with the store cleared; they are recorded in
// State.LastError and never returned.
func (c *Client) Initialize(ctx context.Context) {
	const op = "initialize"
	gen := c.state.Generation()

	creds, ok, err := c.store.Load()
	if err != nil {
		c.abandon(gen, errors.New(errors.ErrorTypeSessionExpired, op, fmt.Errorf("read credentials: %w", err)))
		return
	}
	if !ok || creds.Empty() {
		c.logger.Debug().Msg("No stored credentials; session starts unauthenticated")
		return
	}

	if identity.TokenExpired(creds.AccessToken, c.now()) {
		c.abandon(gen, errors.New(errors.ErrorTypeSessionExpired, op, errors.ErrSessionExpired))
		return
	}

	user, err := c.identity.Me(ctx)
	if err != nil {
		c.abandon(gen, errors.Collapse(op, errors.ErrorTypeSessionExpired, err))
		return
	}
	if !c.state.establish(gen, user) {
		c.metrics.RecordSessionEvent(metrics.EventDiscarded)
		c.logger.Debug().Str("user_id", user.ID).Msg("Discarding rehydrated user from a superseded session")
		return
	}
	c.metrics.RecordSessionEvent(metrics.EventRehydrated)
	c.logger.Info().Str("user_id", user.ID).Msg("Session rehydrated")
}

// abandon clears the store and records err, unless a newer session has
// started since gen.
func (c *Client) abandon(gen uint64, err error) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if !c.state.failIfCurrent(gen, err) {
		c.metrics.RecordSessionEvent(metrics.EventDiscarded)
		return
	}
	c.metrics.RecordSessionEvent(metrics.EventRehydrateFailed)
	if clearErr := c.store.Clear(); clearErr != nil {
		c.logger.Warn().Err(clearErr).Msg("Failed to clear credential store")
	}
	c.logger.Info().Err(err).Msg("Stored session discarded; continuing unauthenticated")
}

// Login exchanges credentials for a token, stores it and loads the user
// record. Any existing session is ended first. On failure no token remains
// stored and the error is InvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) error {
	err := c.login(ctx, email, password)
	if err != nil {
		c.metrics.RecordSessionEvent(metrics.EventLoginFailed)
		c.logger.Debug().Err(err).Msg("Login failed")
		return err
	}
	c.metrics.RecordSessionEvent(metrics.EventLogin)
	return nil
}

func (c *Client) login(ctx context.Context, email, password string) error {
	const op = "login"

	email = strings.TrimSpace(email)
	gen := c.endSession(nil)
	if email == "" || password == "" {
		return errors.New(errors.ErrorTypeInvalidCredentials, op, fmt.Errorf("email and password are required"))
	}

	tok, err := c.identity.Token(ctx, email, password)
	if err != nil {
		return errors.Collapse(op, errors.ErrorTypeInvalidCredentials, err)
	}

	if err := c.saveIfCurrent(gen, credstore.Credentials{AccessToken: tok.AccessToken, TokenType: tok.TokenType}); err != nil {
		return errors.Collapse(op, errors.ErrorTypeInvalidCredentials, err)
	}

	user, err := c.identity.Me(ctx)
	if err != nil {
		c.clearIfCurrent(gen)
		return errors.Collapse(op, errors.ErrorTypeInvalidCredentials, err)
	}
	if !c.state.establish(gen, user) {
		// A logout or another login ran meanwhile; it owns the store now.
		return errors.New(errors.ErrorTypeInvalidCredentials, op, fmt.Errorf("session superseded during login"))
	}
	c.logger.Info().Str("user_id", user.ID).Msg("Logged in")
	return nil
}

// Signup registers an account. It does not log in.
func (c *Client) Signup(ctx context.Context, name, email, password string) error {
	const op = "signup"

	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return errors.New(errors.ErrorTypeRegistration, op, fmt.Errorf("name, email and password are required"))
	}
	if err := c.identity.Register(ctx, name, email, password); err != nil {
		return errors.Collapse(op, errors.ErrorTypeRegistration, err)
	}
	c.logger.Info().Str("email", email).Msg("Account registered")
	return nil
}

// Logout clears the credential store and the user record. It never fails
// and never waits on the network; calling it again is a no-op.
func (c *Client) Logout() {
	c.endSession(nil)
	c.metrics.RecordSessionEvent(metrics.EventLogout)
	c.logger.Info().Msg("Logged out")
}

// Refresh re-fetches the user record for the current session. Errors are
// returned to the caller and do not end the session; an expired token is
// handled by the next Initialize.
func (c *Client) Refresh(ctx context.Context) (*licensing.User, error) {
	const op = "refresh"

	snap := c.state.Snapshot()
	if snap.User == nil {
		return nil, errors.New(errors.ErrorTypeAuth, op, errors.ErrNotAuthenticated)
	}
	user, err := c.identity.Me(ctx)
	if err != nil {
		return nil, err
	}
	if user.ID != snap.User.ID {
		return nil, errors.New(errors.ErrorTypeAuth, op, fmt.Errorf("identity changed during refresh"))
	}
	installed, ok := c.state.replaceUser(snap.Generation, snap.Revision, user)
	if !ok {
		return nil, errors.New(errors.ErrorTypeAuth, op, errors.ErrNotAuthenticated)
	}
	return installed, nil
}

func (c *Client) endSession(lastErr error) uint64 {
	gen := c.state.end(lastErr)

	// A newer generation has already cleared the store on its own way in.
	c.clearIfCurrent(gen)
	return gen
}

func (c *Client) saveIfCurrent(gen uint64, creds credstore.Credentials) error {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.state.Generation() != gen {
		return fmt.Errorf("session superseded before token could be stored")
	}
	return c.store.Save(creds)
}

func (c *Client) clearIfCurrent(gen uint64) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	if c.state.Generation() != gen {
		return
	}
	if err := c.store.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to clear credential store")
	}
}
