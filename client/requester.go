// Package client provides the Frigg requester: an authenticated HTTP client
// with backoff retry, one-shot credential refresh and delegate notification.
//
// Every verb call runs its own retry state machine:
//
//	Issuing → Evaluating → Succeeded
//	                     → Retrying   (429, 5xx, connection reset) → Issuing
//	                     → Refreshing (auth failure, once per call)  → Issuing
//	                     → Failed
//
// Concurrent calls that hit an auth failure share a single refresh.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/core"
	"github.com/friggframework/frigg-go/delegate"
)

// ErrNotAuthorizer is returned by the authorization code operations when the
// strategy does not support them.
var ErrNotAuthorizer = errors.New("strategy does not support the authorization code flow")

// Requester issues authenticated requests on behalf of one provider
// connection. It is safe for concurrent use.
type Requester struct {
	name     string
	strategy auth.Strategy
	notifier *delegate.Notifier

	tokens tokenState
	group  singleflight.Group

	exec        *executor
	tokenClient *http.Client
	backOff     []time.Duration
	detector    AuthFailureDetector
	timeout     time.Duration
	logger      *core.Logger
	onRetry     func(core.RetryInfo)
	sleep       func(ctx context.Context, d time.Duration) error
}

type settings struct {
	backOff  []time.Duration
	doer     Doer
	delegate delegate.Delegate
	creds    core.Credentials
	detector AuthFailureDetector
	throttle Throttle
	timeout  time.Duration
	debug    bool
	logger   *core.Logger
	onRetry  func(core.RetryInfo)
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Requester.
type Option func(*settings)

// WithBackOff sets the retry schedule. Each entry is the wait before the
// next attempt; calling it with no delays disables retries.
func WithBackOff(delays ...time.Duration) Option {
	return func(s *settings) {
		s.backOff = append([]time.Duration{}, delays...)
	}
}

// WithHTTPClient sets the client used for API calls and, when it is an
// *http.Client or can be adapted to one, for token endpoint calls.
func WithHTTPClient(d Doer) Option {
	return func(s *settings) {
		s.doer = d
	}
}

// WithDelegate sets the delegate that receives token lifecycle events.
func WithDelegate(d delegate.Delegate) Option {
	return func(s *settings) {
		s.delegate = d
	}
}

// WithCredentials sets the initial credentials.
func WithCredentials(c core.Credentials) Option {
	return func(s *settings) {
		s.creds = c
	}
}

// WithAuthFailureDetector replaces the default 401 check.
func WithAuthFailureDetector(d AuthFailureDetector) Option {
	return func(s *settings) {
		s.detector = d
	}
}

// WithThrottle sets a proactive throttle acquired before every attempt.
func WithThrottle(t Throttle) Option {
	return func(s *settings) {
		s.throttle = t
	}
}

// WithProactiveThrottle limits requests to limit per window.
func WithProactiveThrottle(limit int, window time.Duration) Option {
	return WithThrottle(NewSlidingWindowThrottle(limit, window))
}

// WithRateLimit limits requests with a token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return WithThrottle(NewRateThrottle(rate.Limit(perSecond), burst))
}

// WithTimeout bounds each attempt and each token endpoint call.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// WithDebug enables debug logging to stderr.
func WithDebug(enabled bool) Option {
	return func(s *settings) {
		s.debug = enabled
	}
}

// WithLogger sets the logger. It takes precedence over WithDebug.
func WithLogger(l *core.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithOnRetry sets a callback invoked before every retry sleep.
func WithOnRetry(fn func(core.RetryInfo)) Option {
	return func(s *settings) {
		s.onRetry = fn
	}
}

// WithSleep replaces the backoff sleep. The function must return ctx.Err()
// when ctx is done.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) {
		s.sleep = fn
	}
}

// New creates a requester named name, used in auth error messages.
//
// Example:
//
//	strategy := auth.NewOAuth2Strategy(clientID, clientSecret,
//	    auth.WithTokenURL("https://provider.example.com/oauth/token"),
//	)
//	requester := client.New("HubSpot", strategy,
//	    client.WithCredentials(creds),
//	    client.WithDelegate(store),
//	)
func New(name string, strategy auth.Strategy, opts ...Option) *Requester {
	s := &settings{
		backOff:  DefaultBackOff,
		doer:     http.DefaultClient,
		detector: DefaultAuthFailureDetector,
		throttle: NewNoOpThrottle(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = core.NewLogger(s.debug)
	}

	kinds := []delegate.Kind{delegate.KindInvalidAuth}
	_, refreshes := strategy.(auth.Refresher)
	_, authorizes := strategy.(auth.Authorizer)
	if refreshes || authorizes {
		kinds = append(kinds, delegate.KindTokenUpdate, delegate.KindTokenDeauthorized)
	}
	notifier := delegate.NewNotifier(kinds...)
	notifier.SetDelegate(s.delegate)

	var sensitive []string
	if sh, ok := strategy.(auth.SensitiveHeaderer); ok {
		sensitive = sh.SensitiveHeaders()
	}

	r := &Requester{
		name:     name,
		strategy: strategy,
		notifier: notifier,
		exec: &executor{
			doer:      s.doer,
			strategy:  strategy,
			throttle:  s.throttle,
			timeout:   s.timeout,
			sensitive: sensitive,
		},
		tokenClient: httpClient(s.doer),
		backOff:     s.backOff,
		detector:    s.detector,
		timeout:     s.timeout,
		logger:      s.logger.With(zap.String("module", name)),
		onRetry:     s.onRetry,
		sleep:       s.sleep,
	}
	r.tokens.creds = s.creds
	return r
}

// Name returns the requester name.
func (r *Requester) Name() string {
	return r.name
}

// Strategy returns the authentication strategy.
func (r *Requester) Strategy() auth.Strategy {
	return r.strategy
}

// Notifier returns the notifier delivering this requester's events.
func (r *Requester) Notifier() *delegate.Notifier {
	return r.notifier
}

// SetDelegate replaces the delegate.
func (r *Requester) SetDelegate(d delegate.Delegate) {
	r.notifier.SetDelegate(d)
}

// Get issues a GET request.
func (r *Requester) Get(ctx context.Context, req *Request) (*Response, error) {
	return r.send(ctx, http.MethodGet, req)
}

// Post issues a POST request.
func (r *Requester) Post(ctx context.Context, req *Request) (*Response, error) {
	return r.send(ctx, http.MethodPost, req)
}

// Put issues a PUT request.
func (r *Requester) Put(ctx context.Context, req *Request) (*Response, error) {
	return r.send(ctx, http.MethodPut, req)
}

// Patch issues a PATCH request.
func (r *Requester) Patch(ctx context.Context, req *Request) (*Response, error) {
	return r.send(ctx, http.MethodPatch, req)
}

// Delete issues a DELETE request.
func (r *Requester) Delete(ctx context.Context, req *Request) (*Response, error) {
	return r.send(ctx, http.MethodDelete, req)
}

// Do issues a request with req.Method (GET when empty).
func (r *Requester) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return r.send(ctx, method, req)
}

func (r *Requester) send(ctx context.Context, method string, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	u, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	body, err := encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}

	id := uuid.NewString()
	chain := &callChain{
		id:      id,
		method:  method,
		url:     u,
		req:     req,
		body:    body,
		logger:  r.logger.With(zap.String("call_id", id)),
		backOff: r.backOff,
	}
	return r.run(ctx, chain)
}

// Credentials returns the current credentials.
func (r *Requester) Credentials() core.Credentials {
	creds, _ := r.tokens.snapshot()
	return creds
}

// SetCredentials replaces the credentials and sends TOKEN_UPDATE.
func (r *Requester) SetCredentials(ctx context.Context, c core.Credentials) error {
	r.tokens.set(c)
	r.logger.Token("set", c)
	return r.notify(ctx, delegate.TokenUpdate{Credentials: c})
}

// IsAuthenticated reports whether the strategy accepts the current
// credentials.
func (r *Requester) IsAuthenticated() bool {
	return r.strategy.IsAuthenticated(r.Credentials())
}

// Deauthorize clears the tokens, keeping the client identity, and sends
// TOKEN_DEAUTHORIZED.
func (r *Requester) Deauthorize(ctx context.Context) error {
	creds, _ := r.tokens.snapshot()
	r.tokens.set(creds.WithoutTokens())
	r.logger.Info("%s: deauthorized", r.name)
	return r.notify(ctx, delegate.TokenDeauthorized{Reason: "deauthorized"})
}

// RefreshAuth obtains new credentials now. With a client credentials
// strategy this fetches the first token.
func (r *Requester) RefreshAuth(ctx context.Context) error {
	_, gen := r.tokens.snapshot()
	err := r.refresh(ctx, gen)

	var ne *notifyError
	var rf *refreshFailure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ne):
		return ne.err
	case errors.As(err, &rf):
		if rf.notifyErr != nil {
			return errors.Join(rf.cause, rf.notifyErr)
		}
		return rf.cause
	}
	return err
}

// AuthorizationURL returns the provider consent URL for state.
func (r *Requester) AuthorizationURL(state string) (string, error) {
	a, ok := r.strategy.(auth.Authorizer)
	if !ok {
		return "", ErrNotAuthorizer
	}
	return a.AuthorizationURL(state), nil
}

// ExchangeCode trades an authorization code for credentials, stores them
// and sends TOKEN_UPDATE.
func (r *Requester) ExchangeCode(ctx context.Context, code string) (core.Credentials, error) {
	a, ok := r.strategy.(auth.Authorizer)
	if !ok {
		return core.Credentials{}, ErrNotAuthorizer
	}
	creds, _ := r.tokens.snapshot()
	next, err := a.ExchangeCode(auth.ContextWithHTTPClient(ctx, r.tokenClient), code, creds)
	if err != nil {
		return core.Credentials{}, err
	}
	if err := r.SetCredentials(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// notify delivers event when it is part of this requester's vocabulary.
func (r *Requester) notify(ctx context.Context, event delegate.Event) error {
	if !r.notifier.Declared(event.Kind()) {
		return nil
	}
	return r.notifier.Notify(ctx, r, event)
}

// httpClient adapts d for golang.org/x/oauth2, which takes an *http.Client.
func httpClient(d Doer) *http.Client {
	if c, ok := d.(*http.Client); ok {
		return c
	}
	return &http.Client{Transport: doerTransport{d}}
}

type doerTransport struct {
	d Doer
}

func (t doerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.d.Do(req)
}
