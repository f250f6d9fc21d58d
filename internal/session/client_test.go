package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/tiergate/internal/credstore"
	tgerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/identity"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// fakeIdentity answers Me from whatever token is in the store, like the
// bearer transport does against the real service.
type fakeIdentity struct {
	mu       sync.Mutex
	store    credstore.Store
	users    map[string]*licensing.User // token -> user
	tokenErr error
	meErr    error
	regErr   error
	meGate   chan struct{}
	meCalls  int
}

func newFakeIdentity(store credstore.Store) *fakeIdentity {
	return &fakeIdentity{store: store, users: map[string]*licensing.User{}}
}

func (f *fakeIdentity) Token(ctx context.Context, email, password string) (identity.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return identity.Token{}, f.tokenErr
	}
	token := "tok-" + email
	if _, ok := f.users[token]; !ok {
		f.users[token] = &licensing.User{ID: "id-" + email, Email: email, Plan: licensing.TierStandard}
	}
	return identity.Token{AccessToken: token, TokenType: "bearer"}, nil
}

func (f *fakeIdentity) Me(ctx context.Context) (*licensing.User, error) {
	f.mu.Lock()
	gate := f.meGate
	f.meCalls++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return nil, f.meErr
	}
	creds, ok, _ := f.store.Load()
	if !ok {
		return nil, tgerrors.WrapStatusError("auth_me", 401, "Not authenticated")
	}
	user, ok := f.users[creds.AccessToken]
	if !ok {
		return nil, tgerrors.WrapStatusError("auth_me", 401, "Could not validate credentials")
	}
	return user.Clone(), nil
}

func (f *fakeIdentity) Register(ctx context.Context, name, email, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regErr
}

func newTestClient(t *testing.T) (*Client, *fakeIdentity, credstore.Store) {
	t.Helper()
	store := credstore.NewMemoryStore()
	fake := newFakeIdentity(store)
	client, err := New(Config{Store: store, Identity: fake, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return client, fake, store
}

func assertLoggedOut(t *testing.T, client *Client, store credstore.Store) {
	t.Helper()
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok, "credential store must be empty")
	snap := client.State().Snapshot()
	assert.Nil(t, snap.User, "user record must be cleared")
	assert.False(t, snap.Ready)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Identity: newFakeIdentity(nil)})
	assert.Error(t, err)
	_, err = New(Config{Store: credstore.NewMemoryStore()})
	assert.Error(t, err)
}

func TestLoginEstablishesSession(t *testing.T) {
	client, _, store := newTestClient(t)

	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))

	creds, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok-a@example.com", creds.AccessToken)
	assert.Equal(t, "bearer", creds.TokenType)

	snap := client.State().Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, "id-a@example.com", snap.User.ID)
	assert.True(t, snap.Ready)
}

func TestLoginThenLogoutClearsEverything(t *testing.T) {
	client, _, store := newTestClient(t)
	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))

	client.Logout()
	assertLoggedOut(t, client, store)
}

func TestLogoutTwiceIsSameAsOnce(t *testing.T) {
	client, _, store := newTestClient(t)
	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))

	client.Logout()
	client.Logout()
	assertLoggedOut(t, client, store)
	assert.NoError(t, client.State().LastError())
}

func TestLogoutWithoutSession(t *testing.T) {
	client, _, store := newTestClient(t)
	client.Logout()
	assertLoggedOut(t, client, store)
}

func TestLoginTokenFailureIsInvalidCredentials(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.tokenErr = tgerrors.WrapStatusError("auth_token", 401, "Incorrect email or password")

	err := client.Login(context.Background(), "a@example.com", "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidCredentials))
	assertLoggedOut(t, client, store)
}

func TestLoginNetworkFailureCollapsesToInvalidCredentials(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.tokenErr = tgerrors.WrapNetworkError("auth_token", errors.New("connection refused"))

	err := client.Login(context.Background(), "a@example.com", "pw")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidCredentials))
	assert.True(t, errors.Is(err, tgerrors.ErrNetwork), "original cause stays wrapped")
	assertLoggedOut(t, client, store)
}

func TestLoginUserFetchFailureClearsIssuedToken(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.meErr = tgerrors.WrapStatusError("auth_me", 500, "boom")

	err := client.Login(context.Background(), "a@example.com", "pw")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidCredentials))
	assertLoggedOut(t, client, store)
}

func TestLoginRequiresFields(t *testing.T) {
	client, fake, _ := newTestClient(t)
	err := client.Login(context.Background(), " ", "pw")
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidCredentials))
	err = client.Login(context.Background(), "a@example.com", "")
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidCredentials))
	assert.Equal(t, 0, fake.meCalls)
}

func TestLoginReplacesExistingSession(t *testing.T) {
	client, _, store := newTestClient(t)
	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))
	first := client.State().Generation()

	require.NoError(t, client.Login(context.Background(), "b@example.com", "pw"))
	assert.Greater(t, client.State().Generation(), first)

	creds, _, _ := store.Load()
	assert.Equal(t, "tok-b@example.com", creds.AccessToken)
	assert.Equal(t, "id-b@example.com", client.State().Snapshot().User.ID)
}

func TestSignup(t *testing.T) {
	client, fake, store := newTestClient(t)

	require.NoError(t, client.Signup(context.Background(), "A", "a@example.com", "pw"))
	_, ok, _ := store.Load()
	assert.False(t, ok, "signup must not establish a session")

	fake.regErr = tgerrors.WrapStatusError("auth_register", 400, "Email already registered")
	err := client.Signup(context.Background(), "A", "a@example.com", "pw")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrRegistrationFailed))

	err = client.Signup(context.Background(), "", "a@example.com", "pw")
	assert.True(t, errors.Is(err, tgerrors.ErrRegistrationFailed))
}

func TestInitializeWithoutToken(t *testing.T) {
	client, fake, store := newTestClient(t)
	client.Initialize(context.Background())

	assertLoggedOut(t, client, store)
	assert.NoError(t, client.State().LastError())
	assert.Equal(t, 0, fake.meCalls, "no token means no network call")
}

func TestInitializeRehydrates(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.users["tok-1"] = &licensing.User{ID: "u1", Plan: licensing.TierPremium}
	require.NoError(t, store.Save(credstore.Credentials{AccessToken: "tok-1", TokenType: "bearer"}))

	client.Initialize(context.Background())

	snap := client.State().Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)
	assert.True(t, snap.Ready)
}

func TestInitializeAuthFailureClearsStore(t *testing.T) {
	client, _, store := newTestClient(t)
	require.NoError(t, store.Save(credstore.Credentials{AccessToken: "revoked", TokenType: "bearer"}))

	client.Initialize(context.Background())

	assertLoggedOut(t, client, store)
	err := client.State().LastError()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrSessionExpired))
}

func TestInitializeNetworkFailureClearsStore(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.meErr = tgerrors.WrapNetworkError("auth_me", errors.New("no route to host"))
	require.NoError(t, store.Save(credstore.Credentials{AccessToken: "tok", TokenType: "bearer"}))

	client.Initialize(context.Background())

	assertLoggedOut(t, client, store)
	assert.True(t, errors.Is(client.State().LastError(), tgerrors.ErrSessionExpired))
}

func TestInitializeExpiredJWTSkipsNetwork(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := credstore.NewMemoryStore()
	fake := newFakeIdentity(store)
	client, err := New(Config{Store: store, Identity: fake, Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "a@example.com",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, store.Save(credstore.Credentials{AccessToken: token, TokenType: "bearer"}))

	client.Initialize(context.Background())

	assertLoggedOut(t, client, store)
	assert.Equal(t, 0, fake.meCalls)
	assert.True(t, errors.Is(client.State().LastError(), tgerrors.ErrSessionExpired))
}

func TestInitializeResultAfterLogoutIsDiscarded(t *testing.T) {
	client, fake, store := newTestClient(t)
	fake.users["tok-1"] = &licensing.User{ID: "u1", Plan: licensing.TierPremium}
	require.NoError(t, store.Save(credstore.Credentials{AccessToken: "tok-1", TokenType: "bearer"}))

	gate := make(chan struct{})
	fake.meGate = gate

	done := make(chan struct{})
	go func() {
		client.Initialize(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.meCalls == 1
	}, time.Second, 5*time.Millisecond)

	client.Logout()
	close(gate)
	<-done

	snap := client.State().Snapshot()
	assert.Nil(t, snap.User, "a rehydration that resolved after logout must not repopulate the record")
	assert.False(t, snap.Ready)
}

func TestRefresh(t *testing.T) {
	client, fake, _ := newTestClient(t)

	_, err := client.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrNotAuthenticated))

	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))
	fake.users["tok-a@example.com"].Plan = licensing.TierPremium

	user, err := client.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, licensing.TierPremium, user.Plan)
	assert.Equal(t, licensing.TierPremium, client.State().Snapshot().User.Plan)

	fake.meErr = tgerrors.WrapStatusError("auth_me", 401, "expired")
	_, err = client.Refresh(context.Background())
	require.Error(t, err)
	assert.NotNil(t, client.State().Snapshot().User, "refresh failures do not end the session")
}

func TestStateApplyChecksGeneration(t *testing.T) {
	state := NewState()
	assert.False(t, state.ApplyIncrement(0, licensing.CounterSearch), "no user")

	gen := state.end(nil)
	require.True(t, state.establish(gen, &licensing.User{ID: "u1", SearchCount: 49}))
	current := state.Generation()

	assert.False(t, state.ApplyIncrement(current-1, licensing.CounterSearch))
	assert.True(t, state.ApplyIncrement(current, licensing.CounterSearch))
	assert.Equal(t, int64(50), state.Snapshot().User.SearchCount)

	assert.True(t, state.ApplyPlan(current, licensing.TierPremium))
	assert.Equal(t, licensing.TierPremium, state.Snapshot().User.Plan)

	state.end(nil)
	assert.False(t, state.ApplyPlan(current, licensing.TierBasic))
}

func TestSnapshotIsACopy(t *testing.T) {
	state := NewState()
	gen := state.Generation()
	require.True(t, state.establish(gen, &licensing.User{ID: "u1", SearchCount: 1}))

	snap := state.Snapshot()
	snap.User.SearchCount = 100
	assert.Equal(t, int64(1), state.Snapshot().User.SearchCount)
}

// startGatedRefresh logs in, then starts a Refresh whose Me call is held
// until the returned release func runs.
func startGatedRefresh(t *testing.T, client *Client, fake *fakeIdentity) (release func() (*licensing.User, error)) {
	t.Helper()
	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))

	gate := make(chan struct{})
	fake.mu.Lock()
	fake.meGate = gate
	calls := fake.meCalls
	fake.mu.Unlock()

	type result struct {
		user *licensing.User
		err  error
	}
	done := make(chan result, 1)
	go func() {
		user, err := client.Refresh(context.Background())
		done <- result{user, err}
	}()
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.meCalls == calls+1
	}, time.Second, 5*time.Millisecond)

	return func() (*licensing.User, error) {
		close(gate)
		r := <-done
		return r.user, r.err
	}
}

func TestRefreshStartedBeforeIncrementKeepsConfirmedCount(t *testing.T) {
	client, fake, _ := newTestClient(t)
	fake.users["tok-a@example.com"] = &licensing.User{ID: "id-a@example.com", Plan: licensing.TierStandard, SearchCount: 49}

	release := startGatedRefresh(t, client, fake)
	state := client.State()
	require.True(t, state.ApplyIncrement(state.Generation(), licensing.CounterSearch))
	require.Equal(t, int64(50), state.Snapshot().User.SearchCount)

	// The service still answers with the record it read before the increment.
	user, err := release()
	require.NoError(t, err)
	assert.Equal(t, int64(50), user.SearchCount)
	assert.Equal(t, int64(50), state.Snapshot().User.SearchCount, "a stale refetch must not roll back a confirmed increment")
}

func TestRefreshStartedBeforePlanChangeKeepsAppliedPlan(t *testing.T) {
	client, fake, _ := newTestClient(t)

	release := startGatedRefresh(t, client, fake)
	state := client.State()
	require.True(t, state.ApplyPlan(state.Generation(), licensing.TierPremium))

	user, err := release()
	require.NoError(t, err)
	assert.Equal(t, licensing.TierPremium, user.Plan)
	assert.Equal(t, licensing.TierPremium, state.Snapshot().User.Plan, "a stale refetch must not revert an applied plan")
}

func TestRefreshWithoutLocalWritesTakesServiceRecord(t *testing.T) {
	client, fake, _ := newTestClient(t)
	require.NoError(t, client.Login(context.Background(), "a@example.com", "pw"))
	state := client.State()
	require.True(t, state.ApplyIncrement(state.Generation(), licensing.CounterExport))

	// A period reset on the service lowers the counter; with no write racing
	// the fetch the service wins.
	fake.mu.Lock()
	fake.users["tok-a@example.com"].ExportCount = 0
	fake.mu.Unlock()

	user, err := client.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.ExportCount)
	assert.Equal(t, int64(0), state.Snapshot().User.ExportCount)
}
