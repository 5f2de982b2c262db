// Package auth implements the browser login flow against the identity
// provider: login, callback, logout and the two session checks.
//
// Routes, relative to the base path the handler is mounted at:
//
//	POST {base}/login     start a login; returns the authorize URL
//	GET  {base}/callback  provider redirect target; sets the session cookies
//	POST {base}/logout    revoke (best effort) and clear all cookies
//	GET  {base}/me        the current user, 401 without a valid session
//	GET  {base}/session   {authenticated, user}; never fails
package auth

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/guard"
	"github.com/mnehpets/ootdmate/idp"
	"github.com/mnehpets/ootdmate/logging"
	"github.com/mnehpets/ootdmate/session"
)

// DefaultProvider is the only provider accepted unless WithProvider says otherwise.
const DefaultProvider = "google"

// Provider is the identity provider surface used by the handler.
// *idp.Client implements it.
type Provider interface {
	AuthorizeURL(provider, redirectURI, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	FetchUser(ctx context.Context, accessToken string) (*idp.Identity, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// AuthHandler serves the auth routes.
type AuthHandler struct {
	mux      *http.ServeMux
	idp      Provider
	jar      *session.Jar
	guard    *guard.Guard
	validate *validator.Validate

	provider    string
	frontendURL string
	callbackURL string

	processors []endpoint.Processor
}

// Option configures the AuthHandler.
type Option func(*AuthHandler)

// WithProcessors adds processors to every auth endpoint.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.processors = append(ah.processors, p...)
	}
}

// WithProvider sets the single accepted provider name.
func WithProvider(name string) Option {
	return func(ah *AuthHandler) {
		if name != "" {
			ah.provider = name
		}
	}
}

// WithCallbackURL sets the redirect_to URL sent to the provider. It defaults
// to {frontendURL}/auth/callback.
func WithCallbackURL(u string) Option {
	return func(ah *AuthHandler) {
		if u != "" {
			ah.callbackURL = u
		}
	}
}

// NewHandler creates an AuthHandler.
// frontendURL is the origin users are redirected to after login
// (e.g. "https://app.example.com"). basePath is where the handler is
// mounted (e.g. "/api/auth").
func NewHandler(provider Provider, jar *session.Jar, frontendURL, basePath string, opts ...Option) (*AuthHandler, error) {
	if provider == nil || jar == nil {
		return nil, errors.New("auth: provider and jar are required")
	}
	frontendURL = strings.TrimRight(frontendURL, "/")
	if frontendURL == "" {
		return nil, errors.New("auth: frontend URL is required")
	}
	h := &AuthHandler{
		mux:         http.NewServeMux(),
		idp:         provider,
		jar:         jar,
		guard:       guard.New(provider, jar),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		provider:    DefaultProvider,
		frontendURL: frontendURL,
		callbackURL: frontendURL + "/auth/callback",
	}
	for _, opt := range opts {
		opt(h)
	}

	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	route := func(method, name string) string {
		return method + " " + path.Join(basePath, name)
	}

	h.mux.HandleFunc(route("POST", "login"), endpoint.HandleFunc(h.login, h.processors...))
	callbackProcs := append(append([]endpoint.Processor{}, h.processors...), h.consumeChallenge())
	h.mux.HandleFunc(route("GET", "callback"), endpoint.HandleFunc(h.callback, callbackProcs...))
	h.mux.HandleFunc(route("POST", "logout"), endpoint.HandleFunc(h.logout, h.processors...))
	h.mux.HandleFunc(route("GET", "me"), endpoint.HandleFunc(h.me, h.processors...))
	h.mux.HandleFunc(route("GET", "session"), endpoint.HandleFunc(h.session, h.processors...))
	return h, nil
}

// ServeHTTP dispatches to the auth routes.
func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Guard returns the session guard used by /me, for protecting other routes.
func (h *AuthHandler) Guard() *guard.Guard {
	return h.guard
}

// LoginRequest is the body of POST /login. Both fields are optional.
type LoginRequest struct {
	Provider   string `json:"provider" validate:"max=64"`
	RedirectTo string `json:"redirect_to" validate:"max=2048"`
	// RedirectToAlt accepts the camelCase spelling used by some clients.
	RedirectToAlt string `json:"redirectTo" validate:"max=2048"`
}

// LoginParams are the decoded parameters of POST /login.
type LoginParams struct {
	Body LoginRequest `body:"json"`
}

type loginResponse struct {
	URL string `json:"url"`
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	const phase = "login"
	req := params.Body
	if err := h.validate.Struct(req); err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "invalid login request", err)
	}

	provider := req.Provider
	if provider == "" {
		provider = h.provider
	}
	if provider != h.provider {
		err := &autherr.Error{Kind: autherr.UnsupportedProvider, Op: "auth.login", Detail: unsupportedMessage(h.provider)}
		return nil, h.observe(r.Context(), phase, err)
	}

	target := req.RedirectTo
	if target == "" {
		target = req.RedirectToAlt
	}
	c, err := session.NewChallenge(target)
	if err != nil {
		return nil, h.observe(r.Context(), phase, err)
	}
	if err := h.jar.SetChallenge(w, c); err != nil {
		return nil, h.observe(r.Context(), phase, err)
	}

	logging.Ctx(r.Context()).Info().Str("provider", provider).Str("state", string(Initiating)).Msg("login initiated")
	h.observe(r.Context(), phase, nil)
	return &endpoint.JSONRenderer{Value: loginResponse{
		URL: h.idp.AuthorizeURL(provider, h.callbackURL, c.CodeChallenge()),
	}}, nil
}

func unsupportedMessage(provider string) string {
	if provider == DefaultProvider {
		return autherr.Message(autherr.UnsupportedProvider)
	}
	return "Only " + provider + " OAuth is currently supported"
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// callback completes the login. The state parameter is accepted but not
// checked here: the provider keeps its own flow state and binds the code to
// the PKCE challenge, which the verifier cookie proves.
func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	start := time.Now()
	defer func() { CallbackDuration.Observe(time.Since(start).Seconds()) }()

	target, err := h.completeLogin(w, r, params)
	logging.Ctx(r.Context()).Info().
		Str("kind", outcome(err)).
		Str("state", string(callbackState(err))).
		Msg("callback handled")
	if err != nil {
		return nil, h.observe(r.Context(), "callback", err)
	}
	h.observe(r.Context(), "callback", nil)
	return &endpoint.RedirectRenderer{URL: h.frontendURL + target, Status: http.StatusFound}, nil
}

// consumeChallenge clears the verifier and redirect cookies once the callback
// has finished, whatever the outcome, unless the provider could not be
// reached. This includes requests rejected while decoding their parameters.
func (h *AuthHandler) consumeChallenge() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		keep := false
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			if !keep {
				h.jar.ClearChallenge(w)
			}
		})
		err := next(w, r)
		keep = autherr.Is(err, autherr.UpstreamUnavailable)
		return err
	})
}

// completeLogin runs the callback and returns the local redirect target.
func (h *AuthHandler) completeLogin(w http.ResponseWriter, r *http.Request, params CallbackParams) (string, error) {
	const op = "auth.callback"

	if params.Error != "" {
		pe := &ProviderError{Code: params.Error, Description: params.ErrorDesc}
		return "", &autherr.Error{Kind: autherr.ProviderRejected, Op: op, Detail: pe.clientMessage(), Err: pe}
	}
	if params.Code == "" {
		pe := &ProviderError{Code: "missing_code", Description: "missing authorization code"}
		return "", &autherr.Error{Kind: autherr.ProviderRejected, Op: op, Detail: pe.clientMessage(), Err: pe}
	}

	c, err := h.jar.ReadChallenge(r)
	if err != nil {
		return "", err
	}

	tok, err := h.idp.ExchangeCode(r.Context(), params.Code, c.Verifier)
	if err != nil {
		return "", err
	}
	if err := h.jar.SetSession(w, session.FromToken(tok)); err != nil {
		return "", autherr.New(autherr.AuthFailed, op, err)
	}
	return c.RedirectTarget, nil
}

type messageResponse struct {
	Message string `json:"message"`
}

// logout always succeeds once the cookies are cleared. Revocation is best
// effort and its failures are only logged.
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if refresh, ok := h.jar.RefreshToken(r); ok {
		if err := h.idp.Revoke(r.Context(), refresh); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Str("kind", autherr.KindOf(err).String()).Msg("refresh token revocation failed")
		}
	}
	h.jar.ClearAll(w)
	logging.Ctx(r.Context()).Info().Str("state", string(LoggedOut)).Msg("logged out")
	h.observe(r.Context(), "logout", nil)
	return &endpoint.JSONRenderer{Value: messageResponse{Message: "Logged out successfully"}}, nil
}

type sessionResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *idp.Identity `json:"user"`
}

// me is the hard check: it fails with the guard's error kind.
func (h *AuthHandler) me(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	id, err := h.guard.RequireAuth(r)
	if err != nil {
		return nil, h.observe(r.Context(), "me", err)
	}
	h.observe(r.Context(), "me", nil)
	return &endpoint.JSONRenderer{Value: sessionResponse{Authenticated: true, User: id}}, nil
}

// session is the soft check: every failure reads as anonymous.
func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	id, ok := h.guard.OptionalAuth(r)
	if !ok {
		FlowTotal.WithLabelValues("session", "anonymous").Inc()
		return &endpoint.JSONRenderer{Value: sessionResponse{}}, nil
	}
	h.observe(r.Context(), "session", nil)
	return &endpoint.JSONRenderer{Value: sessionResponse{Authenticated: true, User: id}}, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return autherr.KindOf(err).String()
}

// observe counts the phase outcome and converts err for the client.
func (h *AuthHandler) observe(ctx context.Context, phase string, err error) error {
	FlowTotal.WithLabelValues(phase, outcome(err)).Inc()
	if err == nil {
		return nil
	}
	if autherr.KindOf(err) == autherr.Unknown {
		logging.Ctx(ctx).Error().Err(err).Str("phase", phase).Msg("auth phase failed")
	}
	return autherr.Endpoint(err)
}
