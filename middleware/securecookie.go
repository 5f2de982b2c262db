package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the attacker-controlled data we decode for a cookie value.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size in bytes for the default AEAD
// (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookieCodec seals and opens cookie values with a set of rotating keys.
//
// Sealed format: keyID "." base64url(nonce || ciphertext).
type SecureCookieCodec struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSecureCookieCodec validates the key set and returns a codec that seals
// with keys[keyID] and opens with any key in keys.
func NewSecureCookieCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD constructor", ErrCookieConfig)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &SecureCookieCodec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (sc *SecureCookieCodec) Seal(plain, aad []byte) (string, error) {
	key, ok := sc.Keys[sc.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (sc *SecureCookieCodec) Open(value string, aad []byte) ([]byte, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, encoded, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encoded == "" {
		return nil, ErrCookieFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// CookieScope holds the attributes shared by every cookie of an application.
// Clearing a cookie only works when the scope matches the one used to set it,
// so cookies that belong together should be built from one CookieScope.
type CookieScope struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// DefaultCookieScope is Path "/", Secure, SameSite=Lax.
func DefaultCookieScope() CookieScope {
	return CookieScope{Path: "/", Secure: true, SameSite: http.SameSiteLaxMode}
}

// SecureCookie is a named, HTTP-only cookie carrying a sealed value of type T.
//
// Values are CBOR-encoded then sealed with the codec; the additional
// authenticated data binds name, domain, path and the secure flag, so a value
// cannot be replayed under a different cookie.
type SecureCookie[T any] struct {
	name  string
	scope CookieScope
	codec *SecureCookieCodec
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*CookieScope)

// WithScope sets path, domain, secure flag and SameSite together.
func WithScope(scope CookieScope) SecureCookieOption {
	return func(s *CookieScope) { *s = scope }
}

// NewSecureCookie creates a SecureCookie using XChaCha20-Poly1305 and CBOR.
//
// Defaults: Path "/", no Domain, Secure, SameSite=Lax. HttpOnly is always set.
func NewSecureCookie[T any](name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	scope := DefaultCookieScope()
	for _, opt := range opts {
		opt(&scope)
	}
	if scope.Path == "" {
		scope.Path = "/"
	}
	if scope.SameSite == 0 {
		scope.SameSite = http.SameSiteLaxMode
	}
	codec, err := NewSecureCookieCodec(keyID, keys, chacha20poly1305.NewX)
	if err != nil {
		return nil, err
	}
	return &SecureCookie[T]{name: name, scope: scope, codec: codec}, nil
}

// Name returns the cookie name.
func (sc *SecureCookie[T]) Name() string {
	return sc.name
}

// Scope returns the attributes this cookie is written and cleared with.
func (sc *SecureCookie[T]) Scope() CookieScope {
	return sc.scope
}

func (sc *SecureCookie[T]) aad() []byte {
	secure := "f"
	if sc.scope.Secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.scope.Domain + ":" + sc.scope.Path + ":" + secure)
}

// Encode seals v and returns a cookie that expires after ttl.
func (sc *SecureCookie[T]) Encode(v T, ttl time.Duration) (*http.Cookie, error) {
	maxAge := int(ttl / time.Second)
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: non-positive ttl %s", ErrCookieConfig, ttl)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.scope.Path,
		Domain:   sc.scope.Domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.scope.Secure,
		HttpOnly: true,
		SameSite: sc.scope.SameSite,
	}, nil
}

// Decode opens the cookie value.
func (sc *SecureCookie[T]) Decode(c *http.Cookie) (T, error) {
	var v T
	if c == nil {
		return v, ErrCookieFormat
	}
	plain, err := sc.codec.Open(c.Value, sc.aad())
	if err != nil {
		return v, err
	}
	if err := cbor.Unmarshal(plain, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCookieInvalid, err)
	}
	return v, nil
}

// Read returns the decoded value of this cookie on r. ok is false when the
// cookie is absent; err is non-nil when it is present but cannot be opened.
func (sc *SecureCookie[T]) Read(r *http.Request) (v T, ok bool, err error) {
	c, err := r.Cookie(sc.name)
	if err != nil {
		return v, false, nil
	}
	v, err = sc.Decode(c)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// Clear returns a cookie that deletes this cookie in the client. It carries
// the same path and domain as Encode.
func (sc *SecureCookie[T]) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Value:    "",
		Path:     sc.scope.Path,
		Domain:   sc.scope.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.scope.Secure,
		HttpOnly: true,
		SameSite: sc.scope.SameSite,
	}
}
