package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/ootdmate/endpoint"
)

// APIHeadersProcessor sets response headers for JSON API endpoints.
//
// Defaults from NewAPIHeadersProcessor:
//   - Cache-Control: no-store (responses carry session state)
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Referrer-Policy: no-referrer
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - HSTS only when enabled with WithHSTS
//
// CORS is handled by the router, not here.
type APIHeadersProcessor struct {
	// CacheControl sets Cache-Control. Empty disables.
	CacheControl string

	// HSTS configures Strict-Transport-Security. Nil disables.
	HSTS *HSTSConfig

	// ReferrerPolicy sets Referrer-Policy. Empty disables.
	ReferrerPolicy string

	// FrameOptions sets X-Frame-Options. Empty disables.
	FrameOptions string

	// ContentTypeOptions sets X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// ContentSecurityPolicy sets Content-Security-Policy. Empty disables.
	ContentSecurityPolicy string
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	// MaxAge in seconds.
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// APIHeadersOption configures an APIHeadersProcessor.
type APIHeadersOption func(*APIHeadersProcessor)

// NewAPIHeadersProcessor creates an APIHeadersProcessor with API defaults.
func NewAPIHeadersProcessor(opts ...APIHeadersOption) *APIHeadersProcessor {
	p := &APIHeadersProcessor{
		CacheControl:          "no-store",
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		ContentTypeOptions:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS enables HSTS. Use it only when the API is served over https.
func WithHSTS(maxAge int, includeSubDomains, preload bool) APIHeadersOption {
	return func(p *APIHeadersProcessor) {
		p.HSTS = &HSTSConfig{MaxAge: maxAge, IncludeSubDomains: includeSubDomains, Preload: preload}
	}
}

// WithCacheControl overrides Cache-Control.
func WithCacheControl(v string) APIHeadersOption {
	return func(p *APIHeadersProcessor) { p.CacheControl = v }
}

// WithReferrerPolicy overrides Referrer-Policy.
func WithReferrerPolicy(policy string) APIHeadersOption {
	return func(p *APIHeadersProcessor) { p.ReferrerPolicy = policy }
}

// Process implements endpoint.Processor.
func (p *APIHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.CacheControl != "" {
		h.Set("Cache-Control", p.CacheControl)
		if strings.Contains(p.CacheControl, "no-store") {
			h.Set("Pragma", "no-cache")
		}
	}
	if v := formatHSTS(p.HSTS); v != "" {
		h.Set("Strict-Transport-Security", v)
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if p.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}
	return next(w, r)
}

func formatHSTS(c *HSTSConfig) string {
	if c == nil || c.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(c.MaxAge)}
	if c.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if c.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

var _ endpoint.Processor = (*APIHeadersProcessor)(nil)
