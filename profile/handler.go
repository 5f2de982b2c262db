package profile

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/guard"
	"github.com/mnehpets/ootdmate/logging"
)

// Repository is the storage used by Handler. *Store implements it.
type Repository interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, userID string, u Update) (*Profile, error)
}

// Handler serves GET and PUT on the profile of the signed-in user.
type Handler struct {
	mux      *http.ServeMux
	repo     Repository
	validate *Validator
}

// NewHandler mounts the profile routes at basePath. Every route requires a
// session validated by g.
func NewHandler(repo Repository, g *guard.Guard, basePath string, processors ...endpoint.Processor) *Handler {
	h := &Handler{mux: http.NewServeMux(), repo: repo, validate: NewValidator()}

	basePath = "/" + strings.Trim(basePath, "/")
	procs := append(append([]endpoint.Processor{}, processors...), g.Require())
	for _, p := range []string{basePath, basePath + "/{$}"} {
		h.mux.HandleFunc("GET "+p, endpoint.HandleFunc(h.get, procs...))
		h.mux.HandleFunc("PUT "+p, endpoint.HandleFunc(h.put, procs...))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func userID(r *http.Request) (string, error) {
	id, ok := guard.IdentityFromContext(r.Context())
	if !ok {
		return "", endpoint.Error(http.StatusUnauthorized, "Not authenticated", nil)
	}
	return id.ID, nil
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	uid, err := userID(r)
	if err != nil {
		return nil, err
	}
	p, err := h.repo.Get(r.Context(), uid)
	if errors.Is(err, ErrNotFound) {
		return nil, endpoint.Error(http.StatusNotFound, "Profile not found", err)
	}
	if err != nil {
		return nil, err
	}
	return &endpoint.JSONRenderer{Value: p}, nil
}

type putParams struct {
	Body Update `body:"json"`
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request, params putParams) (endpoint.Renderer, error) {
	uid, err := userID(r)
	if err != nil {
		return nil, err
	}
	if err := h.validate.Validate(params.Body); err != nil {
		return nil, endpoint.Error(http.StatusUnprocessableEntity, err.Error(), err)
	}
	p, err := h.repo.Upsert(r.Context(), uid, params.Body)
	if err != nil {
		return nil, err
	}
	logging.Ctx(r.Context()).Info().Str("user_id", uid).Msg("profile saved")
	return &endpoint.JSONRenderer{Value: p}, nil
}
