package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnehpets/ootdmate/config"
	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/logging"
	"github.com/mnehpets/ootdmate/middleware"
)

// pinger reports whether a backing store is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

type statusResponse struct {
	Status string `json:"status"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// newRouter assembles the HTTP surface. The auth and profile handlers match
// full request paths, so they are mounted without prefix stripping.
func newRouter(cfg *config.Config, authH, profileH http.Handler, db pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	// CORS must be global to answer OPTIONS preflight.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", endpoint.HandleFunc(root))
	r.Get("/health", endpoint.HandleFunc(health(db)))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	authPath := cfg.AuthPath()
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimitRequests,
			cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyRequests),
		))
		r.Handle(authPath+"/login", authH)
		r.Handle(authPath+"/callback", authH)
	})
	r.Mount(authPath, authH)

	profilePath := cfg.ProfilePath()
	r.Handle(profilePath, profileH)
	r.Handle(profilePath+"/", profileH)
	return r
}

func root(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: messageResponse{Message: "OOTD Mate API"}}, nil
}

func health(db pinger) endpoint.EndpointFunc[struct{}] {
	return func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("health check failed")
			return nil, endpoint.Error(http.StatusServiceUnavailable, "database unavailable", err)
		}
		return &endpoint.JSONRenderer{Value: statusResponse{Status: "healthy"}}, nil
	}
}

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	endpoint.WriteError(w, r, endpoint.Error(http.StatusTooManyRequests, "Too many requests", nil))
}
