package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body.Detail
}

func TestHandler_ProcessorsThenRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &JSONRenderer{Value: "ok"}, nil
	}, headerProcessor{Key: "X-A", Value: "1"}, headerProcessor{Key: "X-B", Value: "2"})
	h.ServeHTTP(rec, req)

	if got := rec.Body.String(); got != "\"ok\"\n" {
		t.Fatalf("expected body %q, got %q", "\"ok\"\n", got)
	}
	if rec.Header().Get("X-A") != "1" || rec.Header().Get("X-B") != "2" {
		t.Fatalf("processor headers missing: %v", rec.Header())
	}
}

func TestHandler_EndpointError_WritesJSONDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusTeapot, "short and stout", errors.New("secret cause"))
	})(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected JSON content type, got %q", got)
	}
	if got := decodeDetail(t, rec); got != "short and stout" {
		t.Fatalf("expected detail %q, got %q", "short and stout", got)
	}
	if strings.Contains(rec.Body.String(), "secret cause") {
		t.Fatalf("cause leaked into response: %q", rec.Body.String())
	}
}

func TestHandler_PlainError_Is500WithoutLeak(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("database password is hunter2")
	})(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("internal error leaked: %q", rec.Body.String())
	}
}

func TestHandler_ProcessorShortCircuit(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	called := false
	deny := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return Error(http.StatusUnauthorized, "no", nil)
	})
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &JSONRenderer{Value: nil}, nil
	}, deny)(rec, req)

	if called {
		t.Fatal("endpoint should not run after processor error")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_DeferRunsOnSuccessAndError(t *testing.T) {
	for _, fail := range []bool{false, true} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			Defer(r.Context(), func(w http.ResponseWriter) {
				w.Header().Set("X-Deferred", "yes")
			})
			return next(w, r)
		})
		HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
			if fail {
				return nil, Error(http.StatusBadRequest, "bad", nil)
			}
			return &JSONRenderer{Value: "done"}, nil
		}, p)(rec, req)

		if rec.Header().Get("X-Deferred") != "yes" {
			t.Errorf("fail=%v: deferred hook did not run", fail)
		}
	}
}

func TestDefer_SeesEndpointOutcome(t *testing.T) {
	for _, fail := range []bool{false, true} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			failed := false
			Defer(r.Context(), func(w http.ResponseWriter) {
				if failed {
					w.Header().Set("X-Outcome", "failed")
				} else {
					w.Header().Set("X-Outcome", "ok")
				}
			})
			err := next(w, r)
			failed = err != nil
			return err
		})
		HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
			if fail {
				return nil, Error(http.StatusBadRequest, "bad", nil)
			}
			return &JSONRenderer{Value: "done"}, nil
		}, p)(rec, req)

		want := "ok"
		if fail {
			want = "failed"
		}
		if got := rec.Header().Get("X-Outcome"); got != want {
			t.Errorf("fail=%v: got %q want %q", fail, got, want)
		}
	}
}

type ctxKey struct{}

func TestHandler_ProcessorContextVisibleToEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, "v")))
	})
	HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (Renderer, error) {
		v, _ := r.Context().Value(ctxKey{}).(string)
		return &JSONRenderer{Value: v}, nil
	}, p)(rec, req)

	if rec.Body.String() != "\"v\"\n" {
		t.Fatalf("expected context value, got %q", rec.Body.String())
	}
}

func TestError_AvoidsDoubleWrap(t *testing.T) {
	inner := Error(http.StatusNotFound, "missing", nil)
	outer := Error(http.StatusInternalServerError, "wrapped", inner)
	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusNotFound {
		t.Fatalf("expected inner EndpointError to be preserved, got %v", outer)
	}
}

func TestRedirectRenderer_DefaultsToFound(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := (&RedirectRenderer{URL: "http://example.com/next"}).Render(rec, req); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://example.com/next" {
		t.Fatalf("unexpected Location %q", loc)
	}
}

func TestJSONRenderer_SetsContentTypeAndEncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	r := JSONRenderer{Value: map[string]string{"url": "https://x/?a=1&b=<2>"}}
	if err := r.Render(rec, req); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected Content-Type %q, got %q", "application/json", got)
	}
	if got := rec.Body.String(); got != "{\"url\":\"https://x/?a=1&b=<2>\"}\n" {
		t.Fatalf("unexpected body %q", got)
	}
}
