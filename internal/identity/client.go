// Package identity is the HTTP client for the remote identity and usage
// service: token exchange, the current user record, registration, counter
// increments and plan changes.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/rcourtman/tiergate/internal/credstore"
	"github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

const (
	maxHTTPErrorBodyBytes = 4096
	maxUserBodyBytes      = 1 << 20

	// IdempotencyHeader carries a per-call key on increment requests so a
	// retried request is counted at most once.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultRole is sent with every registration.
	DefaultRole = "user"

	userAgent      = "tiergate-identity-client"
	defaultTimeout = 10 * time.Second
)

// Config holds configuration for the identity client.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:8000/api/v1.
	BaseURL string
	// HTTPClient is used for every call. Nil uses a client with a 10s timeout.
	HTTPClient *http.Client
	// Credentials supplies the bearer token for authenticated calls.
	Credentials CredentialSource
	Logger      zerolog.Logger
}

// Client talks to the identity service.
type Client struct {
	baseURL string
	// plain carries no bearer header and is used for the token exchange.
	plain  *http.Client
	authed *http.Client
	logger zerolog.Logger
}

// Token is the result of a successful credential exchange.
type Token struct {
	AccessToken string
	TokenType   string
}

// Registration is the body of POST /auth/register.
type Registration struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// New creates an identity client.
func New(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultTimeout}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	authed := *base
	authed.Transport = &bearerTransport{base: rt, source: cfg.Credentials}

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		plain:   base,
		authed:  &authed,
		logger:  cfg.Logger,
	}
}

// BaseURL returns the normalized service root.
func (c *Client) BaseURL() string { return c.baseURL }

// Token exchanges an email and password for a bearer token using the
// form-encoded password grant at POST /auth/token.
func (c *Client) Token(ctx context.Context, email, password string) (Token, error) {
	const op = "auth_token"

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/auth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.plain)

	tok, err := conf.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return Token{}, errors.WrapStatusError(op, retrieveErr.Response.StatusCode, extractDetail(retrieveErr.Body))
		}
		return Token{}, errors.WrapNetworkError(op, err)
	}

	tokenType := strings.TrimSpace(tok.TokenType)
	if tokenType == "" {
		tokenType = credstore.DefaultTokenType
	}
	return Token{AccessToken: tok.AccessToken, TokenType: tokenType}, nil
}

// Me fetches the user record for the attached bearer token.
func (c *Client) Me(ctx context.Context) (*licensing.User, error) {
	const op = "auth_me"

	resp, err := c.do(ctx, op, http.MethodGet, "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp, op)

	var user licensing.User
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserBodyBytes)).Decode(&user); err != nil {
		return nil, errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("decode user record: %w", err))
	}
	if strings.TrimSpace(user.ID) == "" {
		return nil, errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("user record missing id"))
	}
	return &user, nil
}

// Register creates an account. It does not return or store a token.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	const op = "auth_register"

	body := Registration{Email: email, Name: name, Password: password, Role: DefaultRole}
	resp, err := c.doJSON(ctx, op, "/auth/register", body, nil)
	if err != nil {
		return err
	}
	c.closeBody(resp, op)
	return nil
}

// Increment asks the service to add one to counter. Each call carries a fresh
// idempotency key, which is returned for logging.
func (c *Client) Increment(ctx context.Context, counter licensing.Counter) (string, error) {
	op := "increment_" + string(counter)

	path, ok := incrementPath(counter)
	if !ok {
		return "", errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("unknown counter %q", counter))
	}

	key := ulid.Make().String()
	headers := http.Header{IdempotencyHeader: []string{key}}
	resp, err := c.do(ctx, op, http.MethodPost, path, nil, headers)
	if err != nil {
		return key, err
	}
	c.closeBody(resp, op)
	return key, nil
}

// UpdatePlan sets the user's plan on the service.
func (c *Client) UpdatePlan(ctx context.Context, tier licensing.Tier) error {
	const op = "update_plan"

	if !tier.Valid() {
		return errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("unknown tier %q", tier))
	}
	resp, err := c.doJSON(ctx, op, "/user/update-plan", map[string]string{"plan": string(tier)}, nil)
	if err != nil {
		return err
	}
	c.closeBody(resp, op)
	return nil
}

func incrementPath(counter licensing.Counter) (string, bool) {
	switch counter {
	case licensing.CounterSearch:
		return "/user/increment-search-count", true
	case licensing.CounterCompetitorAnalysis:
		return "/user/increment-analysis-count", true
	case licensing.CounterExport:
		return "/user/increment-export-count", true
	default:
		return "", false
	}
}

func (c *Client) doJSON(ctx context.Context, op, path string, body any, headers http.Header) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("marshal request: %w", err))
	}
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "application/json")
	return c.do(ctx, op, http.MethodPost, path, bytes.NewReader(payload), headers)
}

// do issues an authenticated request. Non-2xx responses are returned as
// status errors with the body already consumed.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeAPI, op, fmt.Errorf("create request: %w", err))
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.authed.Do(req)
	if err != nil {
		return nil, errors.WrapNetworkError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer c.closeBody(resp, op)
		return nil, formatHTTPStatusError(resp, op)
	}
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response, op string) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("Failed to close identity response body")
	}
}

func formatHTTPStatusError(resp *http.Response, op string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
	if readErr != nil {
		return errors.WrapStatusError(op, resp.StatusCode, fmt.Sprintf("failed to read response body: %v", readErr))
	}
	return errors.WrapStatusError(op, resp.StatusCode, extractDetail(body))
}

// extractDetail pulls the "detail" message out of an error body, falling back
// to the raw text.
func extractDetail(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Detail           any    `json:"detail"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if raw, err := json.Marshal(d); err == nil {
				return string(raw)
			}
		}
		if payload.ErrorDescription != "" {
			return payload.ErrorDescription
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return string(trimmed)
}
