package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/middleware"
	"golang.org/x/oauth2"
)

func newTestJar(t *testing.T) *Jar {
	t.Helper()
	key := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	scope := middleware.CookieScope{Path: "/api", Secure: true, SameSite: http.SameSiteLaxMode}
	j, err := NewJar("k1", map[string][]byte{"k1": key}, scope)
	if err != nil {
		t.Fatalf("NewJar: %v", err)
	}
	return j
}

// requestWith returns a request carrying every cookie set on rec.
func requestWith(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return req
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestNewChallenge(t *testing.T) {
	c, err := NewChallenge("/closet")
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if len(c.Verifier) != 43 {
		t.Fatalf("verifier length: got %d want 43", len(c.Verifier))
	}
	sum := sha256.Sum256([]byte(c.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); c.CodeChallenge() != want {
		t.Fatalf("challenge: got %q want %q", c.CodeChallenge(), want)
	}
	if c.CodeChallenge() == c.Verifier {
		t.Fatal("challenge must not equal the verifier")
	}
	if c.RedirectTarget != "/closet" {
		t.Fatalf("redirect target: got %q", c.RedirectTarget)
	}
	if got := c.ExpiresAt.Sub(c.CreatedAt); got != ChallengeTTL {
		t.Fatalf("ttl: got %v want %v", got, ChallengeTTL)
	}

	other, err := NewChallenge("/closet")
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if other.Verifier == c.Verifier || other.Binding == c.Binding {
		t.Fatal("challenges must be unique")
	}
}

func TestChallenge_Expired(t *testing.T) {
	now := time.Now()
	c, err := newChallengeAt("/", now)
	if err != nil {
		t.Fatalf("newChallengeAt: %v", err)
	}
	if c.Expired(now.Add(ChallengeTTL - time.Second)) {
		t.Fatal("challenge expired early")
	}
	if !c.Expired(now.Add(ChallengeTTL)) {
		t.Fatal("challenge should expire at ExpiresAt")
	}
}

func TestValidateRedirectTarget(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/closet?tab=1", "/closet?tab=1"},
		{"closet", "/"},
		{"//evil.example", "/"},
		{"https://evil.example/", "/"},
		{"/\\evil.example", "/"},
		{"/a\r\nSet-Cookie: x", "/"},
	}
	for _, tt := range tests {
		if got := ValidateRedirectTarget(tt.in); got != tt.want {
			t.Errorf("ValidateRedirectTarget(%q): got %q want %q", tt.in, got, tt.want)
		}
	}
}

func TestJar_ChallengeRoundTrip(t *testing.T) {
	j := newTestJar(t)
	c, err := NewChallenge("/outfits")
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := j.SetChallenge(rec, c); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}
	for _, name := range []string{VerifierCookie, RedirectCookie} {
		ck := cookieByName(rec, name)
		if ck == nil {
			t.Fatalf("cookie %s not set", name)
		}
		if !ck.HttpOnly || !ck.Secure || ck.SameSite != http.SameSiteLaxMode || ck.Path != "/api" {
			t.Fatalf("cookie %s attributes: %+v", name, ck)
		}
		if ck.MaxAge != 600 {
			t.Fatalf("cookie %s MaxAge: got %d want 600", name, ck.MaxAge)
		}
	}

	got, err := j.ReadChallenge(requestWith(rec))
	if err != nil {
		t.Fatalf("ReadChallenge: %v", err)
	}
	if got.Verifier != c.Verifier || got.RedirectTarget != "/outfits" {
		t.Fatalf("challenge mismatch: got %+v want %+v", got, c)
	}
}

func TestJar_ReadChallenge_Failures(t *testing.T) {
	j := newTestJar(t)
	a, _ := NewChallenge("/a")
	b, _ := NewChallenge("/b")
	recA := httptest.NewRecorder()
	recB := httptest.NewRecorder()
	if err := j.SetChallenge(recA, a); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}
	if err := j.SetChallenge(recB, b); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}

	t.Run("no cookies", func(t *testing.T) {
		_, err := j.ReadChallenge(httptest.NewRequest(http.MethodGet, "/", nil))
		if !autherr.Is(err, autherr.MissingVerifier) {
			t.Fatalf("got %v want MissingVerifier", err)
		}
	})

	t.Run("forged verifier", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: VerifierCookie, Value: "k1.AAAA"})
		if _, err := j.ReadChallenge(req); !autherr.Is(err, autherr.MissingVerifier) {
			t.Fatalf("got %v want MissingVerifier", err)
		}
	})

	t.Run("redirect from another challenge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookieByName(recA, VerifierCookie))
		req.AddCookie(cookieByName(recB, RedirectCookie))
		if _, err := j.ReadChallenge(req); !autherr.Is(err, autherr.MissingVerifier) {
			t.Fatalf("got %v want MissingVerifier", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		expired := *j
		expired.now = func() time.Time { return time.Now().Add(ChallengeTTL + time.Minute) }
		if _, err := expired.ReadChallenge(requestWith(recA)); !autherr.Is(err, autherr.MissingVerifier) {
			t.Fatalf("got %v want MissingVerifier", err)
		}
	})

	t.Run("missing redirect defaults to root", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookieByName(recA, VerifierCookie))
		c, err := j.ReadChallenge(req)
		if err != nil {
			t.Fatalf("ReadChallenge: %v", err)
		}
		if c.RedirectTarget != "/" {
			t.Fatalf("redirect target: got %q want /", c.RedirectTarget)
		}
	})
}

func TestJar_Session(t *testing.T) {
	j := newTestJar(t)
	rec := httptest.NewRecorder()
	s := FromToken(&oauth2.Token{AccessToken: "at", RefreshToken: "rt"})
	if err := j.SetSession(rec, s); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if ck := cookieByName(rec, AccessCookie); ck == nil || ck.MaxAge != 3600 {
		t.Fatalf("access cookie: %+v", ck)
	}
	if ck := cookieByName(rec, RefreshCookie); ck == nil || ck.MaxAge != 30*24*3600 {
		t.Fatalf("refresh cookie: %+v", ck)
	}

	req := requestWith(rec)
	if tok, err := j.AccessToken(req); err != nil || tok != "at" {
		t.Fatalf("AccessToken: got %q, %v", tok, err)
	}
	if tok, ok := j.RefreshToken(req); !ok || tok != "rt" {
		t.Fatalf("RefreshToken: got %q, %v", tok, ok)
	}
}

func TestJar_SetSession_RequiresAccessToken(t *testing.T) {
	j := newTestJar(t)
	rec := httptest.NewRecorder()
	if err := j.SetSession(rec, Session{RefreshToken: "rt"}); err == nil {
		t.Fatal("expected error for empty access token")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("no cookies should be written")
	}
}

func TestJar_AccessToken_Errors(t *testing.T) {
	j := newTestJar(t)
	if _, err := j.AccessToken(httptest.NewRequest(http.MethodGet, "/", nil)); !autherr.Is(err, autherr.Unauthenticated) {
		t.Fatalf("absent cookie: got %v want Unauthenticated", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: "raw-token"})
	if _, err := j.AccessToken(req); !autherr.Is(err, autherr.InvalidSession) {
		t.Fatalf("unsealed cookie: got %v want InvalidSession", err)
	}
}

func TestJar_ClearAll(t *testing.T) {
	j := newTestJar(t)
	rec := httptest.NewRecorder()
	j.ClearAll(rec)

	cookies := rec.Result().Cookies()
	if len(cookies) != 4 {
		t.Fatalf("expected 4 cleared cookies, got %d", len(cookies))
	}
	want := map[string]bool{AccessCookie: true, RefreshCookie: true, VerifierCookie: true, RedirectCookie: true}
	for _, c := range cookies {
		if !want[c.Name] {
			t.Fatalf("unexpected cookie %q", c.Name)
		}
		delete(want, c.Name)
		if c.MaxAge >= 0 || c.Path != "/api" || c.Value != "" {
			t.Fatalf("cookie %s not cleared with the set scope: %+v", c.Name, c)
		}
	}
}

func TestJar_SetChallenge_MaxAgeRoundsUp(t *testing.T) {
	j := newTestJar(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := newChallengeAt("/", created)
	if err != nil {
		t.Fatalf("newChallengeAt: %v", err)
	}

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 600},
		{time.Nanosecond, 600},
		{time.Minute + 300*time.Millisecond, 540},
		{ChallengeTTL - 1500*time.Millisecond, 2},
	}
	for _, tt := range tests {
		j.now = func() time.Time { return created.Add(tt.elapsed) }
		rec := httptest.NewRecorder()
		if err := j.SetChallenge(rec, c); err != nil {
			t.Fatalf("elapsed %v: SetChallenge: %v", tt.elapsed, err)
		}
		for _, name := range []string{VerifierCookie, RedirectCookie} {
			if ck := cookieByName(rec, name); ck == nil || ck.MaxAge != tt.want {
				t.Fatalf("elapsed %v: cookie %s: %+v want MaxAge %d", tt.elapsed, name, ck, tt.want)
			}
		}
	}

	j.now = func() time.Time { return created.Add(ChallengeTTL) }
	if err := j.SetChallenge(httptest.NewRecorder(), c); err == nil {
		t.Fatal("expected error for an expired challenge")
	}
}
