// Package session holds the client-carried login and session state: the PKCE
// login challenge, the access and refresh tokens, and the cookie jar that
// reads and writes them.
//
// There is no server-side session table. A token read from the jar is only a
// claim; it must be validated upstream before it is trusted.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/middleware"
	"golang.org/x/oauth2"
)

// Cookie names.
const (
	VerifierCookie = "pkce-verifier"
	RedirectCookie = "post-login-redirect"
	AccessCookie   = "access-token"
	RefreshCookie  = "refresh-token"
)

// Session lifetimes.
const (
	AccessTTL  = time.Hour
	RefreshTTL = 30 * 24 * time.Hour
)

// Session is the pair of bearer tokens issued on a successful callback.
type Session struct {
	AccessToken  string
	RefreshToken string
}

// FromToken extracts a Session from a token endpoint response.
func FromToken(tok *oauth2.Token) Session {
	if tok == nil {
		return Session{}
	}
	return Session{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
}

type verifierState struct {
	Verifier  string    `cbor:"1,keyasint"`
	Binding   string    `cbor:"2,keyasint"`
	ExpiresAt time.Time `cbor:"3,keyasint"`
}

type redirectState struct {
	Target  string `cbor:"1,keyasint"`
	Binding string `cbor:"2,keyasint"`
}

// Jar reads and writes the four session cookies. All of them share one
// scope so that clearing always matches the path and domain they were set with.
type Jar struct {
	verifier *middleware.SecureCookie[verifierState]
	redirect *middleware.SecureCookie[redirectState]
	access   *middleware.SecureCookie[string]
	refresh  *middleware.SecureCookie[string]

	now func() time.Time
}

// NewJar creates a Jar sealing cookies with keys[keyID].
func NewJar(keyID string, keys map[string][]byte, scope middleware.CookieScope) (*Jar, error) {
	opt := middleware.WithScope(scope)
	verifier, err := middleware.NewSecureCookie[verifierState](VerifierCookie, keyID, keys, opt)
	if err != nil {
		return nil, err
	}
	redirect, err := middleware.NewSecureCookie[redirectState](RedirectCookie, keyID, keys, opt)
	if err != nil {
		return nil, err
	}
	access, err := middleware.NewSecureCookie[string](AccessCookie, keyID, keys, opt)
	if err != nil {
		return nil, err
	}
	refresh, err := middleware.NewSecureCookie[string](RefreshCookie, keyID, keys, opt)
	if err != nil {
		return nil, err
	}
	return &Jar{verifier: verifier, redirect: redirect, access: access, refresh: refresh, now: time.Now}, nil
}

// Scope returns the cookie attributes shared by every cookie in the jar.
func (j *Jar) Scope() middleware.CookieScope {
	return j.access.Scope()
}

// SetChallenge writes the verifier and redirect cookies for c.
func (j *Jar) SetChallenge(w http.ResponseWriter, c *LoginChallenge) error {
	ttl := c.ExpiresAt.Sub(j.now())
	if ttl < time.Second {
		return errors.New("session: challenge already expired")
	}
	// Max-Age is whole seconds; round up so a fresh challenge gets the full TTL.
	ttl = (ttl + time.Second - 1).Truncate(time.Second)
	vc, err := j.verifier.Encode(verifierState{Verifier: c.Verifier, Binding: c.Binding, ExpiresAt: c.ExpiresAt}, ttl)
	if err != nil {
		return err
	}
	rc, err := j.redirect.Encode(redirectState{Target: c.RedirectTarget, Binding: c.Binding}, ttl)
	if err != nil {
		return err
	}
	http.SetCookie(w, vc)
	http.SetCookie(w, rc)
	return nil
}

// ReadChallenge returns the outstanding challenge carried by r.
//
// A missing, undecodable or expired verifier cookie, or a redirect cookie
// bound to a different challenge, fails with autherr.MissingVerifier. A
// missing redirect cookie yields the target "/".
func (j *Jar) ReadChallenge(r *http.Request) (*LoginChallenge, error) {
	const op = "session.read_challenge"

	vs, ok, err := j.verifier.Read(r)
	if err != nil {
		return nil, autherr.New(autherr.MissingVerifier, op, err)
	}
	if !ok || vs.Verifier == "" {
		return nil, autherr.New(autherr.MissingVerifier, op, nil)
	}
	c := &LoginChallenge{
		Verifier:       vs.Verifier,
		Binding:        vs.Binding,
		RedirectTarget: "/",
		CreatedAt:      vs.ExpiresAt.Add(-ChallengeTTL),
		ExpiresAt:      vs.ExpiresAt,
	}
	if c.Expired(j.now()) {
		return nil, autherr.New(autherr.MissingVerifier, op, errors.New("challenge expired"))
	}

	rs, ok, err := j.redirect.Read(r)
	if err != nil {
		return nil, autherr.New(autherr.MissingVerifier, op, err)
	}
	if ok {
		if rs.Binding != c.Binding {
			return nil, autherr.New(autherr.MissingVerifier, op, errors.New("redirect cookie bound to another challenge"))
		}
		c.RedirectTarget = ValidateRedirectTarget(rs.Target)
	}
	return c, nil
}

// ClearChallenge deletes the verifier and redirect cookies.
func (j *Jar) ClearChallenge(w http.ResponseWriter) {
	http.SetCookie(w, j.verifier.Clear())
	http.SetCookie(w, j.redirect.Clear())
}

// SetSession writes the access and refresh cookies. An empty refresh token
// is not written.
func (j *Jar) SetSession(w http.ResponseWriter, s Session) error {
	if s.AccessToken == "" {
		return errors.New("session: empty access token")
	}
	ac, err := j.access.Encode(s.AccessToken, AccessTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, ac)
	if s.RefreshToken == "" {
		return nil
	}
	rc, err := j.refresh.Encode(s.RefreshToken, RefreshTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, rc)
	return nil
}

// AccessToken returns the access token carried by r. It fails with
// autherr.Unauthenticated when the cookie is absent and autherr.InvalidSession
// when it cannot be opened.
func (j *Jar) AccessToken(r *http.Request) (string, error) {
	const op = "session.access_token"
	tok, ok, err := j.access.Read(r)
	if err != nil {
		return "", autherr.New(autherr.InvalidSession, op, err)
	}
	if !ok || tok == "" {
		return "", autherr.New(autherr.Unauthenticated, op, nil)
	}
	return tok, nil
}

// RefreshToken returns the refresh token carried by r, if any.
func (j *Jar) RefreshToken(r *http.Request) (string, bool) {
	tok, ok, err := j.refresh.Read(r)
	if err != nil || !ok || tok == "" {
		return "", false
	}
	return tok, true
}

// ClearAll deletes all four cookies.
func (j *Jar) ClearAll(w http.ResponseWriter) {
	http.SetCookie(w, j.access.Clear())
	http.SetCookie(w, j.refresh.Clear())
	j.ClearChallenge(w)
}
