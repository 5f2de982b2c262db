// Package idp is the client for a GoTrue-style identity provider (Supabase
// Auth). It builds the authorize URL, exchanges PKCE authorization codes,
// looks up the user behind an access token and revokes refresh tokens.
//
// Every network call is bounded by the client timeout and runs behind a
// circuit breaker. Failures are returned as *autherr.Error so callers can
// tell a rejected credential from an unreachable provider:
//
//	timeout or open circuit   autherr.UpstreamUnavailable
//	token endpoint non-2xx    autherr.ExchangeFailed
//	user endpoint 401/403     autherr.InvalidSession
//	logout endpoint non-2xx   autherr.RevocationFailed
//	anything else             autherr.AuthFailed
//
// The client never retries.
package idp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/logging"
)

// DefaultTimeout bounds each upstream call.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes bounds upstream response bodies.
const maxBodyBytes = 1 << 20

// Upstream paths, relative to the provider base URL.
const (
	authorizePath = "/auth/v1/authorize"
	tokenPath     = "/auth/v1/token"
	userPath      = "/auth/v1/user"
	logoutPath    = "/auth/v1/logout"
)

// Client talks to the identity provider. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*upstreamResponse]
	settings   gobreaker.Settings
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent as the apikey header on every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBreakerSettings replaces the circuit breaker settings. IsSuccessful is
// always overridden so that only unavailability trips the breaker.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(c *Client) { c.settings = s }
}

// New creates a client for the provider at baseURL, e.g.
// "https://xyz.supabase.co".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("idp: invalid base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("idp: base URL must be absolute http(s), got %q", baseURL)
	}
	c := &Client{
		base:       u,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		settings: gobreaker.Settings{
			Name:        "idp",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	settings := c.settings
	settings.IsSuccessful = func(err error) bool {
		return !autherr.Is(err, autherr.UpstreamUnavailable)
	}
	onChange := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logging.Ctx(context.Background()).Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("identity provider circuit breaker state change")
		CircuitState.WithLabelValues(name).Set(stateToFloat(to))
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker[*upstreamResponse](settings)
	CircuitState.WithLabelValues(settings.Name).Set(0)
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// AuthorizeURL returns the URL the browser is sent to for login. It makes no
// network call. The challenge must be the S256 transform of the verifier.
func (c *Client) AuthorizeURL(provider, redirectURI, codeChallenge string) string {
	return c.endpoint(authorizePath, url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectURI},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	const op = "exchange"
	body, err := json.Marshal(map[string]string{"auth_code": code, "code_verifier": verifier})
	if err != nil {
		return nil, autherr.New(autherr.AuthFailed, "idp."+op, err)
	}
	resp, err := c.call(ctx, op, http.MethodPost, c.endpoint(tokenPath, url.Values{"grant_type": {"pkce"}}), nil, body)
	if err != nil {
		return nil, c.fail(ctx, op, err)
	}
	if !resp.ok() {
		return nil, c.fail(ctx, op, autherr.New(autherr.ExchangeFailed, "idp."+op, resp.statusError()))
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.body, &tr); err != nil {
		return nil, c.fail(ctx, op, autherr.New(autherr.AuthFailed, "idp."+op, fmt.Errorf("malformed token response: %w", err)))
	}
	if tr.AccessToken == "" {
		return nil, c.fail(ctx, op, autherr.New(autherr.AuthFailed, "idp."+op, errors.New("token response without access_token")))
	}
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
	}
	switch {
	case tr.ExpiresAt > 0:
		tok.Expiry = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	c.succeed(op)
	return tok, nil
}

// FetchUser returns the identity behind accessToken.
func (c *Client) FetchUser(ctx context.Context, accessToken string) (*Identity, error) {
	const op = "user"
	resp, err := c.call(ctx, op, http.MethodGet, c.endpoint(userPath, nil), &oauth2.Token{AccessToken: accessToken}, nil)
	if err != nil {
		return nil, c.fail(ctx, op, err)
	}
	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, c.fail(ctx, op, autherr.New(autherr.InvalidSession, "idp."+op, resp.statusError()))
	case !resp.ok():
		return nil, c.fail(ctx, op, autherr.New(autherr.AuthFailed, "idp."+op, resp.statusError()))
	}
	id, err := parseIdentity(resp.body)
	if err != nil {
		return nil, c.fail(ctx, op, autherr.New(autherr.AuthFailed, "idp."+op, fmt.Errorf("malformed user response: %w", err)))
	}
	c.succeed(op)
	return id, nil
}

// Revoke signs out the session owning refreshToken. Callers treat failures
// as best-effort; they are still returned tagged for logging.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	const op = "revoke"
	resp, err := c.call(ctx, op, http.MethodPost, c.endpoint(logoutPath, nil), &oauth2.Token{AccessToken: refreshToken}, nil)
	if err != nil {
		if !autherr.Is(err, autherr.UpstreamUnavailable) {
			err = autherr.New(autherr.RevocationFailed, "idp."+op, err)
		}
		return c.fail(ctx, op, err)
	}
	if !resp.ok() {
		return c.fail(ctx, op, autherr.New(autherr.RevocationFailed, "idp."+op, resp.statusError()))
	}
	c.succeed(op)
	return nil
}

type upstreamResponse struct {
	status int
	body   []byte
}

func (r *upstreamResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r *upstreamResponse) statusError() error {
	return fmt.Errorf("upstream status %d", r.status)
}

// call performs one request behind the breaker. Transport failures are
// returned as *autherr.Error; HTTP error statuses are not errors here.
func (c *Client) call(ctx context.Context, op, method, target string, bearer *oauth2.Token, body []byte) (*upstreamResponse, error) {
	start := time.Now()
	defer func() {
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.breaker.Execute(func() (*upstreamResponse, error) {
		return c.do(ctx, op, method, target, bearer, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, autherr.New(autherr.UpstreamUnavailable, "idp."+op, err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, target string, bearer *oauth2.Token, body []byte) (*upstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, autherr.New(autherr.AuthFailed, "idp."+op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer != nil {
		bearer.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(op, err)
	}
	return &upstreamResponse{status: resp.StatusCode, body: b}, nil
}

func transportError(op string, err error) error {
	if autherr.IsTimeout(err) {
		return autherr.New(autherr.UpstreamUnavailable, "idp."+op, err)
	}
	return autherr.New(autherr.AuthFailed, "idp."+op, err)
}

func (c *Client) succeed(op string) {
	Requests.WithLabelValues(op, "ok").Inc()
}

func (c *Client) fail(ctx context.Context, op string, err error) error {
	kind := autherr.KindOf(err)
	Requests.WithLabelValues(op, kind.String()).Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("op", op).Str("kind", kind.String()).Msg("identity provider call failed")
	return err
}
