// Package auth provides authentication strategies for Frigg requesters.
//
// Three strategies cover the provider modules Frigg integrates with:
//
//   - OAuth2: Bearer tokens with refresh (refresh_token, client_credentials
//     and password grants) and authorization code exchange
//   - API key: A static key sent in a provider-specific header
//   - Basic: Username/password sent as HTTP Basic credentials
//
// # OAuth2
//
// The strategy holds the client configuration; the tokens themselves live in
// the requester, which calls Refresh when a request fails authentication.
//
//	strategy := auth.NewOAuth2Strategy("client-id", "client-secret",
//	    auth.WithTokenURL("https://provider.example.com/oauth/token"),
//	    auth.WithAuthURL("https://provider.example.com/oauth/authorize"),
//	    auth.WithRedirectURL("https://app.example.com/redirect/provider"),
//	    auth.WithScopes("read", "write"),
//	)
//
// # API key
//
//	strategy := auth.NewAPIKeyStrategy("key-123", auth.WithAPIKeyHeader("X-Api-Token"))
//
// # Basic
//
//	strategy := auth.NewBasicAuthStrategy("user@example.com", "password")
package auth

import (
	"context"
	"net/http"

	"github.com/friggframework/frigg-go/core"
)

// Strategy defines the interface for authentication strategies.
//
// All authentication strategies must implement this interface.
// The SDK provides three built-in implementations:
//   - [OAuth2Strategy]: For OAuth2 bearer tokens
//   - [APIKeyStrategy]: For static API keys
//   - [BasicAuthStrategy]: For username/password
type Strategy interface {
	// ApplyAuth applies authentication headers to the request using the
	// requester's current credentials.
	ApplyAuth(req *http.Request, creds core.Credentials)

	// IsAuthenticated reports whether creds are sufficient to issue requests.
	IsAuthenticated(creds core.Credentials) bool
}

// Refresher is implemented by strategies that can obtain new credentials
// after an authentication failure.
type Refresher interface {
	// CanRefresh reports whether Refresh has what it needs, e.g. a refresh
	// token or a client credentials grant.
	CanRefresh(creds core.Credentials) bool

	// Refresh exchanges creds for new credentials. Failures are returned as
	// *core.RefreshError.
	Refresh(ctx context.Context, creds core.Credentials) (core.Credentials, error)
}

// Authorizer is implemented by strategies that support the authorization
// code flow.
type Authorizer interface {
	// AuthorizationURL returns the provider URL the user is sent to.
	AuthorizationURL(state string) string

	// ExchangeCode trades an authorization code for credentials.
	ExchangeCode(ctx context.Context, code string, creds core.Credentials) (core.Credentials, error)
}

// SensitiveHeaderer is implemented by strategies that send credentials in a
// header not covered by core.SensitiveHeaders.
type SensitiveHeaderer interface {
	SensitiveHeaders() []string
}
