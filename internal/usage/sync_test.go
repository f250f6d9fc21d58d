package usage

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/tiergate/internal/credstore"
	"github.com/rcourtman/tiergate/internal/entitlements"
	"github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/identity"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/mockidentity"
	"github.com/rcourtman/tiergate/internal/plan"
	"github.com/rcourtman/tiergate/internal/session"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const (
	testEmail    = "mika@example.com"
	testPassword = "correct-horse"
)

type harness struct {
	server    *mockidentity.Server
	session   *session.Client
	engine    *entitlements.Engine
	sync      *Sync
	registry  *prometheus.Registry
	transport *holdingTransport
}

// holdingTransport can park responses for one path after the service has
// answered, so a test can deliver an already-stale response later.
type holdingTransport struct {
	next http.RoundTripper

	mu      sync.Mutex
	path    string
	arrived chan struct{}
	release chan struct{}
}

func (h *holdingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.next.RoundTrip(req)

	h.mu.Lock()
	hold := h.path != "" && strings.HasSuffix(req.URL.Path, h.path)
	arrived, release := h.arrived, h.release
	if hold {
		h.path = ""
	}
	h.mu.Unlock()

	if hold {
		close(arrived)
		<-release
	}
	return resp, err
}

// hold parks the next response for path. The returned channel closes once
// the service has answered; calling release delivers the response.
func (h *holdingTransport) hold(path string) (arrived <-chan struct{}, release func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = path
	h.arrived = make(chan struct{})
	h.release = make(chan struct{})
	rel := h.release
	return h.arrived, func() { close(rel) }
}

// newHarness wires the real identity, session, plan and entitlement packages
// against an in-process identity service and logs a user in.
func newHarness(t *testing.T, tier licensing.Tier, searches int64) *harness {
	t.Helper()

	srv := mockidentity.New(mockidentity.Config{BcryptCost: bcrypt.MinCost, Logger: zerolog.Nop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, err := srv.SeedUser("Mika", testEmail, testPassword, tier)
	require.NoError(t, err)
	require.NoError(t, srv.SetUsage(testEmail, licensing.CounterSearch, searches))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := credstore.NewMemoryStore()
	transport := &holdingTransport{next: ts.Client().Transport}
	client := identity.New(identity.Config{
		BaseURL:     ts.URL + mockidentity.BasePath,
		HTTPClient:  &http.Client{Transport: transport},
		Credentials: identity.StoreSource(store),
		Logger:      zerolog.Nop(),
	})

	sess, err := session.New(session.Config{Store: store, Identity: client, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)
	require.NoError(t, sess.Login(context.Background(), testEmail, testPassword))

	engine, err := entitlements.New(entitlements.Config{
		Session:       sess.State(),
		Subscriptions: plan.NewResolver(plan.Config{Refresher: sess, Logger: zerolog.Nop()}),
		Logger:        zerolog.Nop(),
		Metrics:       m,
	})
	require.NoError(t, err)

	syncer, err := New(Config{State: sess.State(), Remote: client, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)

	return &harness{server: srv, session: sess, engine: engine, sync: syncer, registry: reg, transport: transport}
}

func (h *harness) localUser(t *testing.T) *licensing.User {
	t.Helper()
	user := h.session.State().Snapshot().User
	require.NotNil(t, user)
	return user
}

func (h *harness) remoteUser(t *testing.T) *licensing.User {
	t.Helper()
	user, ok := h.server.User(testEmail)
	require.True(t, ok)
	return user
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Remote: &identity.Client{}})
	assert.Error(t, err)
	_, err = New(Config{State: session.NewState()})
	assert.Error(t, err)
}

func TestIncrementReachesQuotaBoundary(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 49)
	ctx := context.Background()

	decision := h.engine.Check(ctx, licensing.FeatureRankingSearch)
	require.True(t, decision.Allowed, decision.Reason)
	assert.EqualValues(t, 49, decision.Used)
	assert.EqualValues(t, 1, decision.Remaining)

	result := h.sync.Increment(ctx, licensing.FeatureRankingSearch)
	require.NoError(t, result.Err)
	assert.True(t, result.Synced)
	assert.True(t, result.Applied)
	assert.Equal(t, licensing.CounterSearch, result.Counter)
	_, err := ulid.Parse(result.IdempotencyKey)
	assert.NoError(t, err)

	assert.EqualValues(t, 50, h.localUser(t).SearchCount)
	assert.EqualValues(t, 50, h.remoteUser(t).SearchCount)

	decision = h.engine.Check(ctx, licensing.FeatureRankingSearch)
	assert.False(t, decision.Allowed)
	assert.Equal(t, licensing.ReasonQuotaExhausted, decision.Reason)
}

func TestIncrementEachMeteredFeature(t *testing.T) {
	h := newHarness(t, licensing.TierPremium, 0)
	ctx := context.Background()

	for _, feature := range []licensing.Feature{
		licensing.FeatureRankingSearch,
		licensing.FeatureCompetitorAnalysis,
		licensing.FeatureCSVExport,
		licensing.FeatureCSVExport,
	} {
		result := h.sync.Increment(ctx, feature)
		require.NoError(t, result.Err, feature)
	}

	local, remote := h.localUser(t), h.remoteUser(t)
	for _, u := range []*licensing.User{local, remote} {
		assert.EqualValues(t, 1, u.SearchCount)
		assert.EqualValues(t, 1, u.CompetitorAnalysisCount)
		assert.EqualValues(t, 2, u.ExportCount)
	}
}

func TestIncrementRemoteFailureLeavesCounterUnchanged(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 10)
	h.server.InjectFailure(mockidentity.RouteIncrementSearch, http.StatusInternalServerError)

	result := h.sync.Increment(context.Background(), licensing.FeatureRankingSearch)
	assert.False(t, result.Synced)
	assert.False(t, result.Applied)
	require.Error(t, result.Err)
	assert.True(t, stderrors.Is(result.Err, errors.ErrCounterSyncFailed))
	assert.NotEmpty(t, result.IdempotencyKey)

	assert.EqualValues(t, 10, h.localUser(t).SearchCount)
	assert.EqualValues(t, 10, h.remoteUser(t).SearchCount)

	// The gated action is not blocked by the failed sync.
	assert.True(t, h.engine.Allowed(context.Background(), licensing.FeatureRankingSearch))

	count, err := testutil.GatherAndCount(h.registry, "tiergate_usage_counter_sync_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIncrementTransportFailureIsSoft(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.sync.Increment(ctx, licensing.FeatureRankingSearch)
	assert.False(t, result.Synced)
	assert.Equal(t, errors.ErrorTypeCounterSync, errors.TypeOf(result.Err))
	assert.EqualValues(t, 3, h.localUser(t).SearchCount)
}

func TestIncrementSkipsUnmeteredFeature(t *testing.T) {
	h := newHarness(t, licensing.TierPremium, 0)

	result := h.sync.Increment(context.Background(), licensing.FeatureAIAssistant)
	assert.False(t, result.Synced)
	assert.True(t, stderrors.Is(result.Err, errors.ErrCounterSyncFailed))
	assert.Zero(t, h.server.Requests(mockidentity.RouteIncrementSearch))
}

func TestIncrementWithoutSession(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 0)
	h.session.Logout()

	result := h.sync.Increment(context.Background(), licensing.FeatureRankingSearch)
	assert.False(t, result.Synced)
	assert.True(t, stderrors.Is(result.Err, errors.ErrNotAuthenticated))
	assert.Zero(t, h.server.Requests(mockidentity.RouteIncrementSearch))
}

func TestIncrementNotAppliedAfterLogoutInFlight(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 5)
	h.server.OnRequest(mockidentity.RouteIncrementSearch, func(*http.Request) {
		h.session.Logout()
	})

	result := h.sync.Increment(context.Background(), licensing.FeatureRankingSearch)
	assert.True(t, result.Synced)
	assert.False(t, result.Applied)
	assert.NoError(t, result.Err)
	assert.Nil(t, h.session.State().Snapshot().User)
	assert.EqualValues(t, 6, h.remoteUser(t).SearchCount)
}

func TestUpdatePlanAppliesAfterRemoteSuccess(t *testing.T) {
	h := newHarness(t, licensing.TierBasic, 0)
	ctx := context.Background()

	assert.False(t, h.engine.Allowed(ctx, licensing.FeatureAIAssistant))

	require.NoError(t, h.sync.UpdatePlan(ctx, licensing.TierPremium))
	assert.Equal(t, licensing.TierPremium, h.localUser(t).Plan)
	assert.Equal(t, licensing.TierPremium, h.remoteUser(t).Plan)

	assert.True(t, h.engine.Allowed(ctx, licensing.FeatureAIAssistant))
}

func TestUpdatePlanFailureLeavesPlanUnchanged(t *testing.T) {
	h := newHarness(t, licensing.TierBasic, 0)
	h.server.InjectFailure(mockidentity.RouteUpdatePlan, http.StatusServiceUnavailable)

	err := h.sync.UpdatePlan(context.Background(), licensing.TierPremium)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPlanUpdateFailed))
	assert.True(t, errors.IsRetryableError(err))

	assert.Equal(t, licensing.TierBasic, h.localUser(t).Plan)
	assert.Equal(t, licensing.TierBasic, h.remoteUser(t).Plan)
}

func TestUpdatePlanRejectsUnknownTier(t *testing.T) {
	h := newHarness(t, licensing.TierBasic, 0)

	err := h.sync.UpdatePlan(context.Background(), licensing.Tier("gold"))
	assert.True(t, stderrors.Is(err, errors.ErrPlanUpdateFailed))
	assert.Zero(t, h.server.Requests(mockidentity.RouteUpdatePlan))
	assert.Equal(t, licensing.TierBasic, h.localUser(t).Plan)
}

func TestUpdatePlanRequiresSession(t *testing.T) {
	h := newHarness(t, licensing.TierBasic, 0)
	h.session.Logout()

	err := h.sync.UpdatePlan(context.Background(), licensing.TierStandard)
	assert.True(t, stderrors.Is(err, errors.ErrPlanUpdateFailed))
	assert.True(t, stderrors.Is(err, errors.ErrNotAuthenticated))
	assert.Equal(t, licensing.TierBasic, h.remoteUser(t).Plan)
}

func TestCheckRacingIncrementSeesConfirmedCount(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 49)
	ctx := context.Background()

	arrived, release := h.transport.hold(mockidentity.RouteMe)
	decided := make(chan licensing.Decision, 1)
	go func() {
		decided <- h.engine.Check(ctx, licensing.FeatureRankingSearch)
	}()
	<-arrived

	// The held /auth/me response carries searchCount 49.
	result := h.sync.Increment(ctx, licensing.FeatureRankingSearch)
	require.True(t, result.Applied, result.Err)
	release()

	decision := <-decided
	assert.False(t, decision.Allowed, "a check must not allow past the cap on a stale record")
	assert.Equal(t, licensing.ReasonQuotaExhausted, decision.Reason)
	assert.EqualValues(t, 50, h.localUser(t).SearchCount)
	assert.EqualValues(t, 50, h.remoteUser(t).SearchCount)
}

func TestCheckRacingPlanUpdateKeepsNewPlan(t *testing.T) {
	h := newHarness(t, licensing.TierStandard, 0)
	ctx := context.Background()

	arrived, release := h.transport.hold(mockidentity.RouteMe)
	decided := make(chan licensing.Decision, 1)
	go func() {
		decided <- h.engine.Check(ctx, licensing.FeatureAIAssistant)
	}()
	<-arrived

	require.NoError(t, h.sync.UpdatePlan(ctx, licensing.TierPremium))
	release()

	decision := <-decided
	assert.True(t, decision.Allowed, decision.Reason)
	assert.Equal(t, licensing.TierPremium, h.localUser(t).Plan)
}
