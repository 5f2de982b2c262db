// Package idptest provides an in-process fake of the GoTrue auth endpoints
// used by package idp.
package idptest

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// Paths served by Server.
const (
	TokenPath  = "/auth/v1/token"
	UserPath   = "/auth/v1/user"
	LogoutPath = "/auth/v1/logout"
)

// Server is a fake identity provider. Authorization codes are issued with
// IssueCode and redeemed once with the matching PKCE verifier.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// codes maps an authorization code to its S256 challenge.
	codes map[string]string
	// users maps an access token to the user JSON returned for it.
	users   map[string]string
	revoked []string
	calls   map[string]int
	apiKeys []string

	tokenStatus  int
	userStatus   int
	revokeStatus int
	tokenBody    string
	userBody     string
	delay        time.Duration
}

// NewServer starts a fake provider. Close it when done.
func NewServer() *Server {
	s := &Server{
		codes: map[string]string{},
		users: map[string]string{},
		calls: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+TokenPath, s.handleToken)
	mux.HandleFunc("GET "+UserPath, s.handleUser)
	mux.HandleFunc("POST "+LogoutPath, s.handleLogout)
	s.Server = httptest.NewServer(s.record(mux))
	return s
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		s.apiKeys = append(s.apiKeys, r.Header.Get("apikey"))
		delay := s.delay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// IssueCode registers a single-use authorization code bound to challenge.
func (s *Server) IssueCode(challenge string) string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	code := base64.RawURLEncoding.EncodeToString(b)
	s.mu.Lock()
	s.codes[code] = challenge
	s.mu.Unlock()
	return code
}

// AddUser makes token valid and returns user for it.
func (s *Server) AddUser(token, userJSON string) {
	s.mu.Lock()
	s.users[token] = userJSON
	s.mu.Unlock()
}

// SetTokenResponse forces the token endpoint to answer with status and body.
// Status 0 restores normal behaviour.
func (s *Server) SetTokenResponse(status int, body string) {
	s.mu.Lock()
	s.tokenStatus, s.tokenBody = status, body
	s.mu.Unlock()
}

// SetUserResponse forces the user endpoint to answer with status and body.
func (s *Server) SetUserResponse(status int, body string) {
	s.mu.Lock()
	s.userStatus, s.userBody = status, body
	s.mu.Unlock()
}

// SetRevokeStatus forces the logout endpoint status.
func (s *Server) SetRevokeStatus(status int) {
	s.mu.Lock()
	s.revokeStatus = status
	s.mu.Unlock()
}

// SetDelay delays every response, for timeout tests.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls returns how many requests were made to path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Revoked returns the tokens presented to the logout endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// APIKeys returns the apikey header of every request, in order.
func (s *Server) APIKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apiKeys...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, body := s.tokenStatus, s.tokenBody
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, body)
		return
	}
	if r.URL.Query().Get("grant_type") != "pkce" {
		writeJSON(w, http.StatusBadRequest, `{"error":"unsupported_grant_type"}`)
		return
	}

	var req struct {
		AuthCode     string `json:"auth_code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_request"}`)
		return
	}

	s.mu.Lock()
	challenge, ok := s.codes[req.AuthCode]
	delete(s.codes, req.AuthCode)
	s.mu.Unlock()
	if !ok || oauth2.S256ChallengeFromVerifier(req.CodeVerifier) != challenge {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"invalid flow state"}`)
		return
	}

	access := "access-" + req.AuthCode
	s.AddUser(access, fmt.Sprintf(`{"id":"user-%s","email":"user@example.com","user_metadata":{"full_name":"Test User"}}`, req.AuthCode))
	writeJSON(w, http.StatusOK, fmt.Sprintf(
		`{"access_token":%q,"token_type":"bearer","expires_in":3600,"refresh_token":%q,"user":{"id":"user-%s"}}`,
		access, "refresh-"+req.AuthCode, req.AuthCode))
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, body := s.userStatus, s.userBody
	user, ok := s.users[bearer(r)]
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, body)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, `{"code":401,"msg":"invalid JWT"}`)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.revoked = append(s.revoked, bearer(r))
	status := s.revokeStatus
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, `{"msg":"forced failure"}`)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
