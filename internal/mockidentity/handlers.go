package mockidentity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/plan"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const maxRequestBodyBytes = 64 << 10

var errEmailRegistered = stderrors.New("email already registered")

type contextKey string

const accountKey contextKey = "mockidentity.account"

// userJSON is the wire shape of a user record. The service keys records by
// "_id" and sends a null plan for accounts without a subscription.
type userJSON struct {
	ID                      string  `json:"_id"`
	Name                    string  `json:"name"`
	Email                   string  `json:"email"`
	Plan                    *string `json:"plan"`
	SearchCount             int64   `json:"searchCount"`
	ExportCount             int64   `json:"exportCount"`
	CompetitorAnalysisCount int64   `json:"competitorAnalysisCount"`
	PhoneNumber             string  `json:"phoneNumber,omitempty"`
	CompanyName             string  `json:"companyName,omitempty"`
}

type mutationResponse struct {
	Message string   `json:"message"`
	User    userJSON `json:"user"`
}

func toWire(u licensing.User) userJSON {
	out := userJSON{
		ID:                      u.ID,
		Name:                    u.Name,
		Email:                   u.Email,
		SearchCount:             u.SearchCount,
		ExportCount:             u.ExportCount,
		CompetitorAnalysisCount: u.CompetitorAnalysisCount,
		PhoneNumber:             u.PhoneNumber,
		CompanyName:             u.CompanyName,
	}
	if u.Plan != "" {
		plan := string(u.Plan)
		out.Plan = &plan
	}
	return out
}

func (s *Server) routes() *mux.Router {
	root := mux.NewRouter()
	api := root.PathPrefix(BasePath).Subrouter()
	api.Use(s.requestMiddleware)

	api.HandleFunc(RouteToken, s.handleToken).Methods(http.MethodPost)
	api.HandleFunc(RouteRegister, s.handleRegister).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc(RouteMe, s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc(RouteIncrementSearch, s.handleIncrement(licensing.CounterSearch)).Methods(http.MethodPost)
	authed.HandleFunc(RouteIncrementAnalysis, s.handleIncrement(licensing.CounterCompetitorAnalysis)).Methods(http.MethodPost)
	authed.HandleFunc(RouteIncrementExport, s.handleIncrement(licensing.CounterExport)).Methods(http.MethodPost)
	authed.HandleFunc(RouteUpdatePlan, s.handleUpdatePlan).Methods(http.MethodPost)
	authed.HandleFunc(RouteFeatureAccess, s.handleFeatureAccess).Methods(http.MethodGet)

	return root
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// routeLabel is the matched route template, so path parameters do not
// explode metric cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return strings.TrimPrefix(tpl, BasePath)
		}
	}
	return "unmatched"
}

// requestMiddleware tags the request with an ID, applies injected failures
// and hooks, records metrics and recovers handler panics.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)
		logger := logging.WithContext(ctx, s.logger)
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.RecordRequest(r.Method, routeLabel(r), rw.status, time.Since(start))
		}()

		route := strings.TrimPrefix(r.URL.Path, BasePath)
		s.mu.Lock()
		s.requests[route]++
		status := s.failures[route]
		hook := s.hooks[route]
		s.mu.Unlock()

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().
					Interface("error", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in mock identity handler")
				writeDetail(rw, http.StatusInternalServerError, "Internal server error")
			}
		}()

		if hook != nil {
			hook(r)
		}
		if status != 0 {
			logger.Debug().Str("route", route).Int("status", status).Msg("Injected failure")
			writeDetail(rw, status, http.StatusText(status))
			return
		}

		if logging.IsLevelEnabled(zerolog.DebugLevel) {
			logger.Debug().Str("method", r.Method).Str("route", route).Str("remote", r.RemoteAddr).Msg("Mock identity request")
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeUnauthorized(w, "Not authenticated")
			return
		}
		email, err := s.verifyToken(raw)
		if err != nil {
			logger := logging.WithContext(r.Context(), s.logger)
			logger.Debug().Err(err).Msg("Rejected bearer token")
			writeUnauthorized(w, "Could not validate credentials")
			return
		}

		s.mu.Lock()
		_, exists := s.accounts[normalizeEmail(email)]
		s.mu.Unlock()
		if !exists {
			writeUnauthorized(w, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r, email)))
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid form body")
		return
	}
	email := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if strings.TrimSpace(email) == "" || password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[normalizeEmail(email)]
	var hash []byte
	if ok {
		hash = acct.passwordHash
	}
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		s.metrics.RecordToken(metrics.TokenRejected)
		writeUnauthorized(w, "Incorrect email or password")
		return
	}

	token, err := s.IssueToken(email, s.ttl)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Could not issue token")
		return
	}
	s.metrics.RecordToken(metrics.TokenIssued)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.ttl / time.Second),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Name) == "" || req.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "email, name and password are required")
		return
	}

	hash, err := s.hashPassword(req.Password)
	var user licensing.User
	if err == nil {
		s.mu.Lock()
		var acct *account
		if acct, err = s.createLocked(req.Name, req.Email, hash); err == nil {
			user = acct.user
		}
		s.mu.Unlock()
	}

	switch {
	case stderrors.Is(err, errEmailRegistered):
		writeDetail(w, http.StatusBadRequest, "Email already registered")
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, "Could not create account")
	default:
		writeJSON(w, http.StatusOK, toWire(user))
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.User(accountFrom(r))
	if !ok {
		writeUnauthorized(w, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, toWire(*user))
}

func (s *Server) handleIncrement(counter licensing.Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

		s.mu.Lock()
		acct, ok := s.accounts[normalizeEmail(accountFrom(r))]
		if !ok {
			s.mu.Unlock()
			writeUnauthorized(w, "Could not validate credentials")
			return
		}
		message := fmt.Sprintf("%s incremented", counter)
		_, seen := acct.seenKeys[key]
		applied := key == "" || !seen
		if applied {
			acct.user.AddUsage(counter)
			if key != "" {
				acct.seenKeys[key] = struct{}{}
			}
		} else {
			message = fmt.Sprintf("%s already recorded for this key", counter)
		}
		user := acct.user
		s.mu.Unlock()

		s.metrics.RecordIncrement(counter, applied)

		writeJSON(w, http.StatusOK, mutationResponse{Message: message, User: toWire(user)})
	}
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	tier, ok := licensing.ParseTier(req.Plan)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid plan. Must be one of basic, standard, premium")
		return
	}

	s.mu.Lock()
	acct, found := s.accounts[normalizeEmail(accountFrom(r))]
	var user licensing.User
	if found {
		acct.user.Plan = tier
		user = acct.user
	}
	s.mu.Unlock()

	if !found {
		writeUnauthorized(w, "Could not validate credentials")
		return
	}
	s.metrics.RecordPlanChange(tier)
	writeJSON(w, http.StatusOK, mutationResponse{Message: "Plan updated", User: toWire(user)})
}

// handleFeatureAccess evaluates the caller's stored record for a feature. It
// does not consume usage; a denial is a 402 with an upgrade link.
func (s *Server) handleFeatureAccess(w http.ResponseWriter, r *http.Request) {
	user, ok := s.User(accountFrom(r))
	if !ok {
		writeUnauthorized(w, "Could not validate credentials")
		return
	}
	raw := mux.Vars(r)["feature"]
	feature, ok := licensing.ParseFeature(raw)
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Unknown feature %q", raw))
		return
	}

	decision := s.evaluator.Evaluate(licensing.Input{
		User:       user,
		Subscribed: user.Subscribed(),
		Tier:       plan.TierOf(user),
		Feature:    feature,
	})
	if !decision.Allowed {
		s.metrics.RecordDenial(decision)
		licensing.WriteFeatureRequired(w, decision, nil)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// IssueToken signs a bearer token for email that expires after ttl. A
// negative ttl yields an already expired token.
func (s *Server) IssueToken(email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strings.TrimSpace(email),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Server) verifyToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func withAccount(r *http.Request, email string) context.Context {
	return context.WithValue(r.Context(), accountKey, email)
}

func accountFrom(r *http.Request) string {
	email, _ := r.Context().Value(accountKey).(string)
	return email
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeDetail(w, http.StatusUnauthorized, detail)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
