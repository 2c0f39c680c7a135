package auth

import (
	"net/http"
	"sync"

	"github.com/friggframework/frigg-go/core"
)

// DefaultAPIKeyHeader is the header used when no header name is configured.
const DefaultAPIKeyHeader = "X-API-Key"

// APIKeyStrategy authenticates using a static API key.
//
// API keys cannot be refreshed. A 401 from the provider is reported to the
// delegate as INVALID_AUTH and the caller must supply a new key.
type APIKeyStrategy struct {
	header string
	prefix string

	mu  sync.RWMutex
	key string
}

// APIKeyOption configures an APIKeyStrategy.
type APIKeyOption func(*APIKeyStrategy)

// WithAPIKeyHeader sets the header carrying the key (default X-API-Key).
func WithAPIKeyHeader(name string) APIKeyOption {
	return func(s *APIKeyStrategy) {
		s.header = name
	}
}

// WithAPIKeyPrefix sets a value prefix, e.g. "Token " for providers that
// expect "Authorization: Token <key>".
func WithAPIKeyPrefix(prefix string) APIKeyOption {
	return func(s *APIKeyStrategy) {
		s.prefix = prefix
	}
}

// NewAPIKeyStrategy creates a new API key authentication strategy.
//
// Example:
//
//	strategy := auth.NewAPIKeyStrategy("key-123", auth.WithAPIKeyHeader("X-Api-Token"))
func NewAPIKeyStrategy(key string, opts ...APIKeyOption) *APIKeyStrategy {
	s := &APIKeyStrategy{
		key:    key,
		header: DefaultAPIKeyHeader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAPIKey replaces the key.
func (s *APIKeyStrategy) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
}

// Header returns the header name carrying the key.
func (s *APIKeyStrategy) Header() string {
	return s.header
}

// ApplyAuth sets the API key header. Credentials are ignored.
func (s *APIKeyStrategy) ApplyAuth(req *http.Request, _ core.Credentials) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	if key != "" {
		req.Header.Set(s.header, s.prefix+key)
	}
}

// IsAuthenticated reports whether a key is configured.
func (s *APIKeyStrategy) IsAuthenticated(_ core.Credentials) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != ""
}

// SensitiveHeaders masks the key header in error diagnostics.
func (s *APIKeyStrategy) SensitiveHeaders() []string {
	return []string{s.header}
}
