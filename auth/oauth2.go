package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/friggframework/frigg-go/core"
)

// GrantType selects how an OAuth2Strategy obtains new tokens.
type GrantType string

const (
	// GrantAuthorizationCode obtains the first token from a code and
	// refreshes it with the refresh_token grant.
	GrantAuthorizationCode GrantType = "authorization_code"
	// GrantClientCredentials fetches a new token with the client's own
	// credentials whenever a refresh is needed.
	GrantClientCredentials GrantType = "client_credentials"
	// GrantPassword fetches a new token with a resource owner's
	// username/password whenever a refresh is needed.
	GrantPassword GrantType = "password"
)

// OAuth2Strategy authenticates using OAuth2 bearer tokens.
//
// The strategy holds the client configuration only. Tokens are owned by the
// requester and passed in on every call.
type OAuth2Strategy struct {
	clientID     string
	clientSecret string
	authURL      string
	tokenURL     string
	redirectURL  string
	scopes       []string
	audience     string
	grantType    GrantType
	authStyle    oauth2.AuthStyle
	scheme       string
	username     string
	password     string
	client       *http.Client
	now          func() time.Time
}

// OAuth2Option configures an OAuth2Strategy.
type OAuth2Option func(*OAuth2Strategy)

// WithTokenURL sets the token endpoint.
func WithTokenURL(u string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.tokenURL = u
	}
}

// WithAuthURL sets the authorization endpoint used by AuthorizationURL.
func WithAuthURL(u string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.authURL = u
	}
}

// WithRedirectURL sets the redirect URI registered with the provider.
func WithRedirectURL(u string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.redirectURL = u
	}
}

// WithScopes sets the requested scopes.
func WithScopes(scopes ...string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.scopes = scopes
	}
}

// WithAudience sets the audience parameter sent with client credentials
// grants.
func WithAudience(audience string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.audience = audience
	}
}

// WithGrantType sets the grant used to obtain new tokens
// (default GrantAuthorizationCode).
func WithGrantType(g GrantType) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.grantType = g
	}
}

// WithPasswordGrant selects the password grant with the given resource owner
// credentials.
func WithPasswordGrant(username, password string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.grantType = GrantPassword
		s.username = username
		s.password = password
	}
}

// WithBasicAuthHeader sends client credentials in an HTTP Basic header
// instead of the form body when talking to the token endpoint.
func WithBasicAuthHeader() OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.authStyle = oauth2.AuthStyleInHeader
	}
}

// WithAuthorizationScheme overrides the Authorization scheme (default
// "Bearer"), for providers that expect e.g. "apiToken <token>".
func WithAuthorizationScheme(scheme string) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.scheme = scheme
	}
}

// WithOAuth2HTTPClient sets the HTTP client used to reach the token endpoint.
// Without it the client carried by the context is used.
func WithOAuth2HTTPClient(client *http.Client) OAuth2Option {
	return func(s *OAuth2Strategy) {
		s.client = client
	}
}

// NewOAuth2Strategy creates a new OAuth2 authentication strategy.
//
// Example:
//
//	strategy := auth.NewOAuth2Strategy("client-id", "client-secret",
//	    auth.WithTokenURL("https://provider.example.com/oauth/token"),
//	)
func NewOAuth2Strategy(clientID, clientSecret string, opts ...OAuth2Option) *OAuth2Strategy {
	s := &OAuth2Strategy{
		clientID:     clientID,
		clientSecret: clientSecret,
		grantType:    GrantAuthorizationCode,
		authStyle:    oauth2.AuthStyleInParams,
		scheme:       "Bearer",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContextWithHTTPClient returns a context that makes token endpoint calls use
// client.
func ContextWithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// GrantType returns the configured grant.
func (s *OAuth2Strategy) GrantType() GrantType {
	return s.grantType
}

// ApplyAuth sets the Authorization header when an access token is present.
func (s *OAuth2Strategy) ApplyAuth(req *http.Request, creds core.Credentials) {
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", s.scheme+" "+creds.AccessToken)
	}
}

// IsAuthenticated reports whether an unexpired access token is present.
func (s *OAuth2Strategy) IsAuthenticated(creds core.Credentials) bool {
	return creds.HasAccessToken() && !creds.Expired(s.now())
}

// CanRefresh reports whether Refresh can run with creds.
func (s *OAuth2Strategy) CanRefresh(creds core.Credentials) bool {
	if s.tokenURL == "" {
		return false
	}
	switch s.grantType {
	case GrantClientCredentials:
		return s.identity(creds).ClientID != ""
	case GrantPassword:
		return s.username != ""
	default:
		return creds.HasRefreshToken()
	}
}

// Refresh obtains new credentials from the token endpoint using the
// configured grant.
func (s *OAuth2Strategy) Refresh(ctx context.Context, creds core.Credentials) (core.Credentials, error) {
	if !s.CanRefresh(creds) {
		return core.Credentials{}, &core.RefreshError{Cause: errors.New("no refresh token or grant available")}
	}
	ctx = s.context(ctx)

	var (
		tok *oauth2.Token
		err error
	)
	switch s.grantType {
	case GrantClientCredentials:
		tok, err = s.clientCredentials(creds).Token(ctx)
	case GrantPassword:
		tok, err = s.config(creds).PasswordCredentialsToken(ctx, s.username, s.password)
	default:
		tok, err = s.config(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	}
	if err != nil {
		return core.Credentials{}, refreshError(err)
	}
	return s.credentials(tok, creds), nil
}

// AuthorizationURL returns the provider consent URL for state.
func (s *OAuth2Strategy) AuthorizationURL(state string) string {
	return s.config(core.Credentials{}).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for credentials.
func (s *OAuth2Strategy) ExchangeCode(ctx context.Context, code string, creds core.Credentials) (core.Credentials, error) {
	tok, err := s.config(creds).Exchange(s.context(ctx), code)
	if err != nil {
		return core.Credentials{}, refreshError(err)
	}
	return s.credentials(tok, creds), nil
}

func (s *OAuth2Strategy) context(ctx context.Context) context.Context {
	return ContextWithHTTPClient(ctx, s.client)
}

// identity prefers the client identity stored with the credentials.
func (s *OAuth2Strategy) identity(creds core.Credentials) core.Credentials {
	if creds.ClientID == "" {
		creds.ClientID = s.clientID
	}
	if creds.ClientSecret == "" {
		creds.ClientSecret = s.clientSecret
	}
	return creds
}

func (s *OAuth2Strategy) config(creds core.Credentials) *oauth2.Config {
	id := s.identity(creds)
	return &oauth2.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.authURL,
			TokenURL:  s.tokenURL,
			AuthStyle: s.authStyle,
		},
		RedirectURL: s.redirectURL,
		Scopes:      s.scopes,
	}
}

func (s *OAuth2Strategy) clientCredentials(creds core.Credentials) *clientcredentials.Config {
	id := s.identity(creds)
	cfg := &clientcredentials.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		TokenURL:     s.tokenURL,
		Scopes:       s.scopes,
		AuthStyle:    s.authStyle,
	}
	if s.audience != "" {
		cfg.EndpointParams = url.Values{"audience": {s.audience}}
	}
	return cfg
}

// credentials converts a token response, keeping the previous refresh token
// when the provider does not rotate it.
func (s *OAuth2Strategy) credentials(tok *oauth2.Token, prev core.Credentials) core.Credentials {
	now := s.now()
	c := core.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		ClientID:     prev.ClientID,
		ClientSecret: prev.ClientSecret,
	}
	if c.RefreshToken == "" {
		c.RefreshToken = prev.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		c.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if secs, ok := extraSeconds(tok.Extra("x_refresh_token_expires_in")); ok {
		c.RefreshExpiry = now.Add(time.Duration(secs) * time.Second)
	}
	return c
}

func extraSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case json.Number:
		i, err := n.Int64()
		return i, err == nil && i > 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil && i > 0
	}
	return 0, false
}

func refreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		rerr := &core.RefreshError{
			ErrorCode:        re.ErrorCode,
			ErrorDescription: re.ErrorDescription,
			Cause:            err,
		}
		if re.Response != nil {
			rerr.StatusCode = re.Response.StatusCode
		}
		return rerr
	}
	return &core.RefreshError{Cause: err}
}
