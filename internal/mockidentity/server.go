// Package mockidentity is an in-process implementation of the remote identity
// and usage service. It backs the integration tests and `tiergate
// mock-server`.
package mockidentity

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const (
	// BasePath is the prefix every route is mounted under.
	BasePath = "/api/v1"

	DefaultTokenTTL = 30 * time.Minute

	// Route names accepted by InjectFailure and OnRequest.
	RouteToken             = "/auth/token"
	RouteRegister          = "/auth/register"
	RouteMe                = "/auth/me"
	RouteIncrementSearch   = "/user/increment-search-count"
	RouteIncrementAnalysis = "/user/increment-analysis-count"
	RouteIncrementExport   = "/user/increment-export-count"
	RouteUpdatePlan        = "/user/update-plan"
	// RouteFeatureAccess gates a feature server-side and answers 402 on deny.
	RouteFeatureAccess = "/features/{feature}"
)

// Config configures a Server.
type Config struct {
	// Secret signs bearer tokens. Empty generates a random one.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens. Zero uses DefaultTokenTTL.
	TokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost. Tests use bcrypt.MinCost.
	BcryptCost int
	// Quota gates RouteFeatureAccess. Nil uses the built-in table.
	Quota  licensing.QuotaTable
	Logger zerolog.Logger
	Now    func() time.Time
	// Metrics is optional.
	Metrics *metrics.ServiceMetrics
}

type account struct {
	user         licensing.User
	passwordHash []byte
	// seenKeys holds idempotency keys already applied to this account.
	seenKeys map[string]struct{}
}

// Server holds accounts in memory. All methods are safe for concurrent use.
type Server struct {
	secret    []byte
	ttl       time.Duration
	cost      int
	logger    zerolog.Logger
	now       func() time.Time
	metrics   *metrics.ServiceMetrics
	evaluator *licensing.Evaluator
	router    *mux.Router

	mu       sync.Mutex
	accounts map[string]*account // by lower-cased email
	failures map[string]int
	hooks    map[string]func(*http.Request)
	requests map[string]int
}

// New creates a Server with no accounts.
func New(cfg Config) *Server {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		secret:    secret,
		ttl:       ttl,
		cost:      cost,
		logger:    cfg.Logger,
		now:       now,
		metrics:   cfg.Metrics,
		evaluator: licensing.NewEvaluator(cfg.Quota),
		accounts:  make(map[string]*account),
		failures:  make(map[string]int),
		hooks:     make(map[string]func(*http.Request)),
		requests:  make(map[string]int),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route under BasePath.
func (s *Server) Handler() http.Handler { return s.router }

// SeedUser creates an account directly, bypassing registration. plan may be
// empty for an account without a subscription.
func (s *Server) SeedUser(name, email, password string, plan licensing.Tier) (*licensing.User, error) {
	hash, err := s.hashPassword(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, err := s.createLocked(name, email, hash)
	if err != nil {
		return nil, err
	}
	acct.user.Plan = plan
	return acct.user.Clone(), nil
}

// User returns a copy of the stored record for email.
func (s *Server) User(email string) (*licensing.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return nil, false
	}
	return acct.user.Clone(), true
}

// SetPlan changes a plan out of band, the way a billing webhook would.
func (s *Server) SetPlan(email string, plan licensing.Tier) error {
	return s.mutate(email, func(u *licensing.User) { u.Plan = plan })
}

// SetUsage overwrites a counter out of band.
func (s *Server) SetUsage(email string, counter licensing.Counter, value int64) error {
	return s.mutate(email, func(u *licensing.User) {
		switch counter {
		case licensing.CounterSearch:
			u.SearchCount = value
		case licensing.CounterExport:
			u.ExportCount = value
		case licensing.CounterCompetitorAnalysis:
			u.CompetitorAnalysisCount = value
		}
	})
}

// InjectFailure makes route answer with status until cleared with status 0.
func (s *Server) InjectFailure(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = status
}

// OnRequest registers fn to run before route is handled. A nil fn removes
// the hook.
func (s *Server) OnRequest(route string, fn func(*http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, route)
		return
	}
	s.hooks[route] = fn
}

// Requests returns how many requests route has received.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

func (s *Server) mutate(email string, fn func(*licensing.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return fmt.Errorf("mockidentity: no account for %q", email)
	}
	fn(&acct.user)
	return nil
}

// createLocked must be called with s.mu held.
func (s *Server) createLocked(name, email string, passwordHash []byte) (*account, error) {
	key := normalizeEmail(email)
	if key == "" {
		return nil, fmt.Errorf("mockidentity: email is required")
	}
	if _, exists := s.accounts[key]; exists {
		return nil, errEmailRegistered
	}
	acct := &account{
		user: licensing.User{
			ID:    uuid.NewString(),
			Name:  strings.TrimSpace(name),
			Email: strings.TrimSpace(email),
		},
		passwordHash: passwordHash,
		seenKeys:     make(map[string]struct{}),
	}
	s.accounts[key] = acct
	return acct, nil
}

func (s *Server) hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
