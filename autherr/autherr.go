// Package autherr defines the failure kinds of the login, callback and
// session-validation flows and maps them to HTTP responses.
//
// Every error produced by the identity provider client, the session guard and
// the auth handlers carries exactly one Kind. Handlers convert errors with
// Endpoint, which picks the status code and a message that is safe to show to
// clients; the underlying cause is only logged.
package autherr

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/mnehpets/ootdmate/endpoint"
)

// Kind classifies an authentication failure.
type Kind int

const (
	// Unknown is the kind of errors that were never tagged.
	Unknown Kind = iota
	// UnsupportedProvider: login requested for a provider other than the configured one.
	UnsupportedProvider
	// ProviderRejected: the provider redirected back with an OAuth error parameter.
	ProviderRejected
	// MissingVerifier: the callback has no usable PKCE verifier cookie.
	MissingVerifier
	// ExchangeFailed: the token endpoint answered with a non-2xx status.
	ExchangeFailed
	// InvalidSession: the user-info endpoint rejected the access token.
	InvalidSession
	// Unauthenticated: no access-token cookie was presented.
	Unauthenticated
	// UpstreamUnavailable: the provider timed out or the circuit is open.
	UpstreamUnavailable
	// AuthFailed: any other provider or transport failure.
	AuthFailed
	// RevocationFailed: logout could not revoke the refresh token. Never surfaced.
	RevocationFailed
)

var kindNames = [...]string{
	Unknown:             "unknown",
	UnsupportedProvider: "unsupported_provider",
	ProviderRejected:    "provider_rejected",
	MissingVerifier:     "missing_verifier",
	ExchangeFailed:      "exchange_failed",
	InvalidSession:      "invalid_session",
	Unauthenticated:     "unauthenticated",
	UpstreamUnavailable: "upstream_unavailable",
	AuthFailed:          "auth_failed",
	RevocationFailed:    "revocation_failed",
}

// String returns a snake_case name, used for log fields and metric labels.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Error is a tagged authentication failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "idp.exchange".
	Op string
	// Detail overrides the default client message. Used for ProviderRejected,
	// which echoes the provider's error code.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of kind k.
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Status returns the HTTP status code for kind k.
func Status(k Kind) int {
	switch k {
	case UnsupportedProvider, ProviderRejected, MissingVerifier:
		return http.StatusBadRequest
	case ExchangeFailed, InvalidSession, Unauthenticated, AuthFailed:
		return http.StatusUnauthorized
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-visible message for kind k.
func Message(k Kind) string {
	switch k {
	case UnsupportedProvider:
		return "Only Google OAuth is currently supported"
	case ProviderRejected:
		return "OAuth error"
	case MissingVerifier:
		return "Missing code verifier. Please try login again."
	case ExchangeFailed:
		return "Failed to exchange code for session"
	case InvalidSession:
		return "Invalid or expired session"
	case Unauthenticated:
		return "Not authenticated"
	case UpstreamUnavailable:
		return "Authentication service unavailable"
	case AuthFailed:
		return "Authentication failed"
	default:
		return "Internal server error"
	}
}

// Endpoint converts err into an endpoint error with the status and safe
// message of its kind. Untagged errors become 500s.
func Endpoint(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return endpoint.Error(http.StatusInternalServerError, Message(Unknown), err)
	}
	msg := Message(ae.Kind)
	if ae.Detail != "" {
		msg = ae.Detail
	}
	return endpoint.Error(Status(ae.Kind), msg, err)
}
