// Package guard gates requests on a valid session. A session is valid only
// after the identity provider confirms the access token on this request;
// nothing is trusted locally.
package guard

import (
	"context"
	"net/http"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/idp"
	"github.com/mnehpets/ootdmate/logging"
	"github.com/mnehpets/ootdmate/session"
)

// UserFetcher resolves an access token to an identity. *idp.Client
// implements it.
type UserFetcher interface {
	FetchUser(ctx context.Context, accessToken string) (*idp.Identity, error)
}

// Guard validates the access-token cookie of a request upstream.
type Guard struct {
	users UserFetcher
	jar   *session.Jar
}

// New creates a Guard.
func New(users UserFetcher, jar *session.Jar) *Guard {
	return &Guard{users: users, jar: jar}
}

// RequireAuth returns the identity of the caller. It fails with
// autherr.Unauthenticated when there is no access-token cookie,
// autherr.InvalidSession when the provider rejects the token and
// autherr.UpstreamUnavailable when the provider cannot be reached in time.
func (g *Guard) RequireAuth(r *http.Request) (*idp.Identity, error) {
	token, err := g.jar.AccessToken(r)
	if err != nil {
		return nil, err
	}
	id, err := g.users.FetchUser(r.Context(), token)
	if err != nil {
		if autherr.KindOf(err) == autherr.Unknown {
			err = autherr.New(autherr.AuthFailed, "guard", err)
		}
		return nil, err
	}
	return id, nil
}

// OptionalAuth is RequireAuth with every failure reported as absent.
func (g *Guard) OptionalAuth(r *http.Request) (*idp.Identity, bool) {
	id, err := g.RequireAuth(r)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Str("kind", autherr.KindOf(err).String()).Msg("optional auth: anonymous")
		return nil, false
	}
	return id, true
}

// Require returns a processor that rejects unauthenticated requests and
// stores the identity in the request context.
func (g *Guard) Require() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		id, err := g.RequireAuth(r)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Str("kind", autherr.KindOf(err).String()).Str("path", r.URL.Path).Msg("request rejected by session guard")
			return autherr.Endpoint(err)
		}
		return next(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Optional returns a processor that stores the identity in the request
// context when the session is valid and lets every request through.
func (g *Guard) Optional() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		if id, ok := g.OptionalAuth(r); ok {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		return next(w, r)
	})
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *idp.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by a guard processor.
func IdentityFromContext(ctx context.Context) (*idp.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*idp.Identity)
	return id, ok && id != nil
}
