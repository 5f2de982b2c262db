// Command server runs the OOTD Mate API: OAuth login against Supabase Auth
// with cookie-held sessions, and the guarded profile resource.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/ootdmate/auth"
	"github.com/mnehpets/ootdmate/config"
	"github.com/mnehpets/ootdmate/endpoint"
	"github.com/mnehpets/ootdmate/idp"
	"github.com/mnehpets/ootdmate/logging"
	"github.com/mnehpets/ootdmate/middleware"
	"github.com/mnehpets/ootdmate/profile"
	"github.com/mnehpets/ootdmate/session"
)

const hstsMaxAge = 365 * 24 * 60 * 60

func main() {
	if err := run(); err != nil {
		log := logging.Logger()
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.Logger()

	keys, generated, err := cfg.Keys()
	if err != nil {
		return err
	}
	if generated {
		log.Warn().Msg("COOKIE_KEYS not set, using an ephemeral key; sessions will not survive a restart")
	}
	scope := cfg.CookieScope()
	jar, err := session.NewJar(cfg.CookieKeyID, keys, scope)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}

	client, err := idp.New(cfg.SupabaseURL,
		idp.WithAPIKey(cfg.SupabaseAnonKey),
		idp.WithTimeout(cfg.UpstreamTimeout),
	)
	if err != nil {
		return fmt.Errorf("identity provider: %w", err)
	}

	var headerOpts []middleware.APIHeadersOption
	if scope.Secure {
		headerOpts = append(headerOpts, middleware.WithHSTS(hstsMaxAge, true, false))
	}
	processors := []endpoint.Processor{
		middleware.RequestID(),
		middleware.NewAPIHeadersProcessor(headerOpts...),
	}

	authH, err := auth.NewHandler(client, jar, cfg.FrontendURL, cfg.AuthPath(),
		auth.WithProvider(cfg.AuthProvider),
		auth.WithCallbackURL(cfg.CallbackURL),
		auth.WithProcessors(processors...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := profile.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	profiles := profile.NewHandler(store, authH.Guard(), cfg.ProfilePath(), processors...)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(cfg, authH, profiles, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("frontend", cfg.FrontendURL).
			Bool("secure_cookies", scope.Secure).
			Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
