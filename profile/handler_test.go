package profile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/ootdmate/autherr"
	"github.com/mnehpets/ootdmate/guard"
	"github.com/mnehpets/ootdmate/idp"
	"github.com/mnehpets/ootdmate/middleware"
	"github.com/mnehpets/ootdmate/session"
)

type tokenUsers map[string]*idp.Identity

func (u tokenUsers) FetchUser(_ context.Context, token string) (*idp.Identity, error) {
	if id, ok := u[token]; ok {
		return id, nil
	}
	return nil, autherr.New(autherr.InvalidSession, "test", nil)
}

type handlerEnv struct {
	h     *Handler
	jar   *session.Jar
	store *Store
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	key := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	jar, err := session.NewJar("k", map[string][]byte{"k": key}, middleware.DefaultCookieScope())
	if err != nil {
		t.Fatalf("NewJar: %v", err)
	}
	users := tokenUsers{"alice-token": idp.NewIdentity("alice", "alice@example.com", nil)}
	store := openTestStore(t)
	return &handlerEnv{h: NewHandler(store, guard.New(users, jar), "/api/profile"), jar: jar, store: store}
}

func (e *handlerEnv) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		rec := httptest.NewRecorder()
		if err := e.jar.SetSession(rec, session.Session{AccessToken: token}); err != nil {
			t.Fatalf("SetSession: %v", err)
		}
		for _, c := range rec.Result().Cookies() {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RequiresSession(t *testing.T) {
	e := newHandlerEnv(t)
	for _, tc := range []struct{ method, token string }{
		{http.MethodGet, ""},
		{http.MethodPut, ""},
		{http.MethodGet, "stolen-token"},
	} {
		rec := e.do(t, tc.method, "/api/profile", tc.token, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s token=%q: got %d want 401", tc.method, tc.token, rec.Code)
		}
	}
}

func TestHandler_GetMissingIs404(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.do(t, http.MethodGet, "/api/profile/", "alice-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d want 404", rec.Code)
	}
}

func TestHandler_PutThenGet(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.do(t, http.MethodPut, "/api/profile", "alice-token",
		`{"height":180,"primary_style":"streetwear","secondary_style":"athletic","occasions":["casual","date"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: got %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/profile", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		UserID         string   `json:"userId"`
		Height         *int     `json:"height"`
		Weight         *float64 `json:"weight"`
		PrimaryStyle   string   `json:"primaryStyle"`
		SecondaryStyle string   `json:"secondaryStyle"`
		Occasions      []string `json:"occasions"`
		CreatedAt      string   `json:"createdAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "alice" || got.Height == nil || *got.Height != 180 || got.Weight != nil {
		t.Fatalf("unexpected profile %+v", got)
	}
	if got.PrimaryStyle != "streetwear" || got.SecondaryStyle != "athletic" || len(got.Occasions) != 2 {
		t.Fatalf("unexpected profile %+v", got)
	}
	if got.CreatedAt == "" {
		t.Fatal("createdAt missing")
	}
}

func TestHandler_PutValidation(t *testing.T) {
	e := newHandlerEnv(t)
	rec := e.do(t, http.MethodPut, "/api/profile", "alice-token", `{"secondary_style":"casual"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d want 422", rec.Code)
	}
	if _, err := e.store.Get(context.Background(), "alice"); err == nil {
		t.Fatal("invalid profile was stored")
	}

	rec = e.do(t, http.MethodPut, "/api/profile", "alice-token", `{"height":"tall"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d want 400", rec.Code)
	}
}
