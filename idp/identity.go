package idp

import (
	"errors"

	json "github.com/goccy/go-json"
)

// Identity is the user record returned by the user-info endpoint. It is
// resolved on every validation and never cached.
type Identity struct {
	ID       string
	Email    string
	Metadata map[string]any

	// raw is the exact upstream payload.
	raw []byte
}

type userInfo struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func parseIdentity(body []byte) (*Identity, error) {
	var u userInfo
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, errors.New("user record without id")
	}
	raw := make([]byte, len(body))
	copy(raw, body)
	return &Identity{ID: u.ID, Email: u.Email, Metadata: u.UserMetadata, raw: raw}, nil
}

// NewIdentity builds an Identity without an upstream payload. Used by tests
// and callers that construct identities themselves.
func NewIdentity(id, email string, metadata map[string]any) *Identity {
	return &Identity{ID: id, Email: email, Metadata: metadata}
}

// MarshalJSON writes the upstream payload unchanged, so API responses embed
// exactly what the provider returned.
func (i Identity) MarshalJSON() ([]byte, error) {
	if len(i.raw) > 0 {
		return i.raw, nil
	}
	return json.Marshal(userInfo{ID: i.ID, Email: i.Email, UserMetadata: i.Metadata})
}
