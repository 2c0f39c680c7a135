package auth

import (
	"net/http"
	"sync"

	"github.com/friggframework/frigg-go/core"
)

// BasicAuthStrategy authenticates using HTTP Basic credentials.
//
// Basic credentials cannot be refreshed; a 401 is reported to the delegate
// as INVALID_AUTH.
type BasicAuthStrategy struct {
	mu       sync.RWMutex
	username string
	password string
}

// NewBasicAuthStrategy creates a new basic authentication strategy.
//
// Example:
//
//	strategy := auth.NewBasicAuthStrategy("user@example.com", "password")
func NewBasicAuthStrategy(username, password string) *BasicAuthStrategy {
	return &BasicAuthStrategy{
		username: username,
		password: password,
	}
}

// SetUsername replaces the username.
func (s *BasicAuthStrategy) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// SetPassword replaces the password.
func (s *BasicAuthStrategy) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

// ApplyAuth sets the Authorization header. Credentials are ignored.
func (s *BasicAuthStrategy) ApplyAuth(req *http.Request, _ core.Credentials) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.username != "" || s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
}

// IsAuthenticated reports whether both username and password are set.
func (s *BasicAuthStrategy) IsAuthenticated(_ core.Credentials) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username != "" && s.password != ""
}
