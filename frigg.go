// Package frigg provides a resilient, authenticated HTTP requester for
// third-party API integrations.
//
// This package provides:
//   - OAuth2, API key and basic authentication strategies
//   - Retry on 429, 5xx and connection resets with a configurable backoff schedule
//   - One-shot credential refresh and replay on auth failures, shared across concurrent calls
//   - Delegate notification of token lifecycle events (TOKEN_UPDATE, TOKEN_DEAUTHORIZED, INVALID_AUTH)
//   - Proactive throttling and debug logging
//
// Basic usage with OAuth2:
//
//	requester, err := frigg.New("HubSpot",
//	    frigg.WithOAuth2(clientID, clientSecret,
//	        auth.WithTokenURL("https://api.hubapi.com/oauth/v1/token"),
//	    ),
//	    frigg.WithCredentials(storedCreds),
//	    frigg.WithDelegate(store),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := requester.Get(ctx, &frigg.Request{
//	    URL:   "https://api.hubapi.com/crm/v3/objects/contacts",
//	    Query: map[string]any{"limit": 10},
//	})
//
// With an API key and a custom retry schedule:
//
//	requester, err := frigg.New("Acme",
//	    frigg.WithAPIKey("key-123", auth.WithAPIKeyHeader("X-Api-Token")),
//	    frigg.WithBackOff(time.Second, 5*time.Second),
//	)
//
// From environment configuration:
//
//	cfg, err := config.Load("HUBSPOT")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	requester, err := frigg.NewFromConfig("HubSpot", cfg)
package frigg

import (
	"context"
	"fmt"
	"time"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/client"
	"github.com/friggframework/frigg-go/config"
	"github.com/friggframework/frigg-go/core"
	"github.com/friggframework/frigg-go/delegate"
)

// Requester is the Frigg requester.
type Requester = client.Requester

// Re-export types for convenience
type (
	// Request and response types
	Request       = client.Request
	Response      = client.Response
	MultipartBody = client.MultipartBody
	MultipartFile = client.MultipartFile
	Doer          = client.Doer

	// Credentials and error types
	Credentials  = core.Credentials
	FetchError   = core.FetchError
	AuthError    = core.AuthError
	RefreshError = core.RefreshError
	RetryInfo    = core.RetryInfo

	// Delegate types
	Delegate          = delegate.Delegate
	Event             = delegate.Event
	TokenUpdate       = delegate.TokenUpdate
	TokenDeauthorized = delegate.TokenDeauthorized
	InvalidAuth       = delegate.InvalidAuth

	// Auth failure detection
	AuthFailureDetector = client.AuthFailureDetector

	// Throttle types
	Throttle              = client.Throttle
	SlidingWindowThrottle = client.SlidingWindowThrottle
	RateThrottle          = client.RateThrottle
	NoOpThrottle          = client.NoOpThrottle
)

// Option configures a Requester.
type Option func(*requesterConfig)

type requesterConfig struct {
	strategy   auth.Strategy
	clientOpts []client.Option
}

// WithOAuth2 configures OAuth2 authentication.
func WithOAuth2(clientID, clientSecret string, opts ...auth.OAuth2Option) Option {
	return func(c *requesterConfig) {
		c.strategy = auth.NewOAuth2Strategy(clientID, clientSecret, opts...)
	}
}

// WithAPIKey configures API key authentication.
func WithAPIKey(key string, opts ...auth.APIKeyOption) Option {
	return func(c *requesterConfig) {
		c.strategy = auth.NewAPIKeyStrategy(key, opts...)
	}
}

// WithBasicAuth configures HTTP Basic authentication.
func WithBasicAuth(username, password string) Option {
	return func(c *requesterConfig) {
		c.strategy = auth.NewBasicAuthStrategy(username, password)
	}
}

// WithStrategy sets a custom authentication strategy.
func WithStrategy(s auth.Strategy) Option {
	return func(c *requesterConfig) {
		c.strategy = s
	}
}

func passthrough(opt client.Option) Option {
	return func(c *requesterConfig) {
		c.clientOpts = append(c.clientOpts, opt)
	}
}

// WithBackOff sets the retry schedule; no delays disables retries.
func WithBackOff(delays ...time.Duration) Option {
	return passthrough(client.WithBackOff(delays...))
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(d Doer) Option {
	return passthrough(client.WithHTTPClient(d))
}

// WithDelegate sets the delegate receiving token lifecycle events.
func WithDelegate(d Delegate) Option {
	return passthrough(client.WithDelegate(d))
}

// WithCredentials sets the initial credentials.
func WithCredentials(c Credentials) Option {
	return passthrough(client.WithCredentials(c))
}

// WithAuthFailureDetector replaces the default 401 check.
func WithAuthFailureDetector(d AuthFailureDetector) Option {
	return passthrough(client.WithAuthFailureDetector(d))
}

// WithThrottle sets a custom throttle implementation.
func WithThrottle(t Throttle) Option {
	return passthrough(client.WithThrottle(t))
}

// WithProactiveThrottle enables sliding window throttling.
func WithProactiveThrottle(limit int, window time.Duration) Option {
	return passthrough(client.WithProactiveThrottle(limit, window))
}

// WithRateLimit enables token bucket throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return passthrough(client.WithRateLimit(perSecond, burst))
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return passthrough(client.WithTimeout(d))
}

// WithDebug enables debug logging.
func WithDebug(enabled bool) Option {
	return passthrough(client.WithDebug(enabled))
}

// WithLogger sets the logger.
func WithLogger(l *core.Logger) Option {
	return passthrough(client.WithLogger(l))
}

// WithOnRetry sets a callback for retry events.
func WithOnRetry(callback func(RetryInfo)) Option {
	return passthrough(client.WithOnRetry(callback))
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return passthrough(client.WithSleep(fn))
}

// ErrNoStrategy is returned by New when no authentication is configured.
var ErrNoStrategy = &Error{Message: "no authentication strategy configured; use WithOAuth2, WithAPIKey, WithBasicAuth or WithStrategy"}

// New creates a new requester named name.
func New(name string, opts ...Option) (*Requester, error) {
	cfg := &requesterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.strategy == nil {
		return nil, ErrNoStrategy
	}
	return client.New(name, cfg.strategy, cfg.clientOpts...), nil
}

// NewFromConfig creates a requester from environment configuration. Options
// are applied after the configuration and take precedence.
func NewFromConfig(name string, cfg *config.Config, opts ...Option) (*Requester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base []Option
	switch cfg.Mode() {
	case config.ModeOAuth2:
		oauthOpts := []auth.OAuth2Option{
			auth.WithTokenURL(cfg.TokenURL),
			auth.WithAuthURL(cfg.AuthURL),
			auth.WithRedirectURL(cfg.RedirectURI),
			auth.WithScopes(cfg.Scopes...),
		}
		switch cfg.GrantType {
		case string(auth.GrantClientCredentials):
			oauthOpts = append(oauthOpts, auth.WithGrantType(auth.GrantClientCredentials))
		case string(auth.GrantPassword):
			oauthOpts = append(oauthOpts, auth.WithPasswordGrant(cfg.Username, cfg.Password))
		}
		base = append(base,
			WithOAuth2(cfg.ClientID, cfg.ClientSecret, oauthOpts...),
			WithCredentials(cfg.Credentials()),
		)
	case config.ModeAPIKey:
		var keyOpts []auth.APIKeyOption
		if cfg.APIKeyHeader != "" {
			keyOpts = append(keyOpts, auth.WithAPIKeyHeader(cfg.APIKeyHeader))
		}
		base = append(base, WithAPIKey(cfg.APIKey, keyOpts...))
	case config.ModeBasic:
		base = append(base, WithBasicAuth(cfg.Username, cfg.Password))
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode())
	}

	if cfg.BackOff != nil {
		base = append(base, WithBackOff(cfg.BackOff...))
	}
	if cfg.Timeout > 0 {
		base = append(base, WithTimeout(cfg.Timeout))
	}
	if cfg.Debug {
		base = append(base, WithDebug(true))
	}
	return New(name, append(base, opts...)...)
}

// Error represents a Frigg SDK error.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Helper functions re-exported from core and client
var (
	// IsRetryableError returns true if the error describes a transient failure.
	IsRetryableError = core.IsRetryableError

	// IsAuthError returns true if the error is an authentication failure.
	IsAuthError = core.IsAuthError

	// DetectStatus matches auth failures by status code.
	DetectStatus = client.DetectStatus

	// DetectJSONField matches auth failures reported in the response body.
	DetectJSONField = client.DetectJSONField

	// AnyOf combines auth failure detectors.
	AnyOf = client.AnyOf
)

// NewSlidingWindowThrottle creates a new sliding window throttle.
func NewSlidingWindowThrottle(limit int, window time.Duration) *SlidingWindowThrottle {
	return client.NewSlidingWindowThrottle(limit, window)
}

// NewNoOpThrottle creates a no-op throttle.
func NewNoOpThrottle() *NoOpThrottle {
	return client.NewNoOpThrottle()
}
