// Package config loads server configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mnehpets/ootdmate/middleware"
)

// Config is the server configuration.
type Config struct {
	Host     string `env:"API_HOST" envDefault:"0.0.0.0"`
	Port     int    `env:"API_PORT" envDefault:"8000" validate:"gte=1,lte=65535"`
	BasePath string `env:"API_BASE_PATH" envDefault:"/api" validate:"startswith=/"`

	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000" validate:"required,http_url"`
	PublicURL   string `env:"PUBLIC_URL" envDefault:"http://localhost:8000" validate:"required,http_url"`
	CallbackURL string `env:"AUTH_CALLBACK_URL" validate:"omitempty,http_url"`

	SupabaseURL     string        `env:"SUPABASE_URL,required" validate:"required,http_url"`
	SupabaseAnonKey string        `env:"SUPABASE_ANON_KEY"`
	AuthProvider    string        `env:"AUTH_PROVIDER" envDefault:"google" validate:"required"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	// CookieSecure is auto, true or false. auto means secure when PUBLIC_URL is https.
	CookieSecure string `env:"COOKIE_SECURE" envDefault:"auto" validate:"oneof=auto true false"`
	CookiePath   string `env:"COOKIE_PATH" envDefault:"/" validate:"startswith=/"`
	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieKeyID  string `env:"COOKIE_KEY_ID" envDefault:"k1" validate:"required"`
	// CookieKeys is a comma-separated list of id:base64url(key).
	CookieKeys string `env:"COOKIE_KEYS"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"file:./dev.db" validate:"required"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30" validate:"gte=1"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" validate:"gt=0"`
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(env.Options{})
}

// Parse reads the configuration with opts, e.g. an explicit Environment map
// in tests, and validates it.
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = cfg.FrontendURL + "/auth/callback"
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.CookieKeys != "" {
		keys, err := ParseCookieKeys(cfg.CookieKeys)
		if err != nil {
			return nil, err
		}
		if _, ok := keys[cfg.CookieKeyID]; !ok {
			return nil, fmt.Errorf("invalid config: COOKIE_KEY_ID %q not in COOKIE_KEYS", cfg.CookieKeyID)
		}
	}
	return &cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AuthPath is where the auth routes are mounted.
func (c *Config) AuthPath() string {
	return strings.TrimRight(c.BasePath, "/") + "/auth"
}

// ProfilePath is where the profile routes are mounted.
func (c *Config) ProfilePath() string {
	return strings.TrimRight(c.BasePath, "/") + "/profile"
}

// SecureCookies resolves COOKIE_SECURE.
func (c *Config) SecureCookies() bool {
	switch c.CookieSecure {
	case "true":
		return true
	case "false":
		return false
	}
	u, err := url.Parse(c.PublicURL)
	return err != nil || u.Scheme != "http"
}

// CookieScope is the scope shared by all session cookies.
func (c *Config) CookieScope() middleware.CookieScope {
	scope := middleware.DefaultCookieScope()
	scope.Path = c.CookiePath
	scope.Domain = c.CookieDomain
	scope.Secure = c.SecureCookies()
	return scope
}

// Keys returns the cookie key ring. When COOKIE_KEYS is unset a random key is
// generated; generated is then true and sessions will not survive a restart.
func (c *Config) Keys() (keys map[string][]byte, generated bool, err error) {
	if c.CookieKeys != "" {
		keys, err := ParseCookieKeys(c.CookieKeys)
		return keys, false, err
	}
	k := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(k); err != nil {
		return nil, false, err
	}
	return map[string][]byte{c.CookieKeyID: k}, true, nil
}

// ParseCookieKeys parses "id:base64url,id2:base64url".
func ParseCookieKeys(s string) (map[string][]byte, error) {
	keys := map[string][]byte{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, enc, ok := strings.Cut(part, ":")
		if !ok || id == "" || enc == "" {
			return nil, fmt.Errorf("invalid config: COOKIE_KEYS entry %q is not id:key", part)
		}
		k, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid config: COOKIE_KEYS entry %q: %w", id, err)
		}
		if len(k) != middleware.DefaultAEADKeysize {
			return nil, fmt.Errorf("invalid config: COOKIE_KEYS entry %q must be %d bytes, got %d", id, middleware.DefaultAEADKeysize, len(k))
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("invalid config: duplicate COOKIE_KEYS id %q", id)
		}
		keys[id] = k
	}
	if len(keys) == 0 {
		return nil, errors.New("invalid config: COOKIE_KEYS is empty")
	}
	return keys, nil
}
