package auth

import (
	"fmt"

	"github.com/mnehpets/ootdmate/autherr"
)

// State is a stage of the login flow as seen from one browser. It is never
// stored server-side; it only names what the cookies in a request imply.
type State string

const (
	Anonymous        State = "anonymous"
	Initiating       State = "initiating"
	AwaitingCallback State = "awaiting_callback"
	Authenticated    State = "authenticated"
	Failed           State = "failed"
	LoggedOut        State = "logged_out"
)

// callbackState returns the state a callback leaves the flow in after err.
// An unreachable provider leaves the challenge in place, so the flow stays
// in Initiating; a retry will most likely fail upstream anyway because
// authorization codes are single-use.
func callbackState(err error) State {
	switch {
	case err == nil:
		return Authenticated
	case autherr.Is(err, autherr.UpstreamUnavailable):
		return Initiating
	default:
		return Failed
	}
}

// ProviderError is the OAuth error a provider redirected back with.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// clientMessage is the text shown to the user for a provider error.
func (e *ProviderError) clientMessage() string {
	if e.Description != "" {
		return "OAuth error: " + e.Description
	}
	return "OAuth error: " + e.Code
}
