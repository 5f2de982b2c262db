package session

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ChallengeTTL bounds how long a login attempt may wait for its callback.
const ChallengeTTL = 10 * time.Minute

// ChallengeMethod is the PKCE method sent upstream. The verifier itself never
// leaves the cookie jar.
const ChallengeMethod = "S256"

// bindingLength is the number of random bytes tying the verifier cookie to
// its redirect cookie.
const bindingLength = 16

// LoginChallenge is the client-held state of one login attempt.
type LoginChallenge struct {
	// Verifier is the PKCE code verifier: 32 random bytes, base64url encoded.
	Verifier string
	// Binding is a random value shared by the verifier and redirect cookies.
	Binding string
	// RedirectTarget is the local path to land on after login.
	RedirectTarget string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// NewChallenge creates a challenge for a login that should end at
// redirectTarget. Non-local targets are replaced by "/".
func NewChallenge(redirectTarget string) (*LoginChallenge, error) {
	return newChallengeAt(redirectTarget, time.Now())
}

func newChallengeAt(redirectTarget string, now time.Time) (*LoginChallenge, error) {
	b := make([]byte, bindingLength)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &LoginChallenge{
		Verifier:       oauth2.GenerateVerifier(),
		Binding:        base64.RawURLEncoding.EncodeToString(b),
		RedirectTarget: ValidateRedirectTarget(redirectTarget),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ChallengeTTL),
	}, nil
}

// CodeChallenge returns the S256 challenge derived from the verifier.
func (c *LoginChallenge) CodeChallenge() string {
	return oauth2.S256ChallengeFromVerifier(c.Verifier)
}

// Expired reports whether the challenge is no longer usable at now.
func (c *LoginChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ValidateRedirectTarget returns target if it is a local path, otherwise "/".
// Protocol-relative ("//host") and backslash forms are rejected because
// browsers resolve them to other origins.
func ValidateRedirectTarget(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	if strings.ContainsAny(target, "\\\r\n") {
		return "/"
	}
	return target
}
