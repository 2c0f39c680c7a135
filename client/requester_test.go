package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/core"
	"github.com/friggframework/frigg-go/delegate"
)

// sleepRecorder records backoff delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestRequester(strategy auth.Strategy, opts ...Option) (*Requester, *sleepRecorder) {
	sleeps := &sleepRecorder{}
	base := []Option{
		WithLogger(core.NewZapLogger(zap.NewNop(), false)),
		WithSleep(sleeps.sleep),
	}
	return New("Test", strategy, append(base, opts...)...), sleeps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// countingServer serves h and counts requests.
func countingServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// statusSequence replies with the given statuses in order, repeating the last.
func statusSequence(statuses ...int) http.HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := statuses[min(i, len(statuses)-1)]
		i++
		mu.Unlock()
		writeJSON(w, status, map[string]any{"status": status})
	}
}

// bearerAPI accepts only "Bearer <token>" and returns 401 otherwise.
func bearerAPI(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// tokenEndpoint hands out new-access/new-refresh.
func tokenEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  "new-access",
		"refresh_token": "new-refresh",
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func oauth2Strategy(tokenURL string) *auth.OAuth2Strategy {
	return auth.NewOAuth2Strategy("client-id", "client-secret", auth.WithTokenURL(tokenURL))
}

var oldCreds = core.Credentials{AccessToken: "old-access", RefreshToken: "old-refresh"}

func TestRequester_RetriesRateLimit(t *testing.T) {
	srv, hits := countingServer(t, statusSequence(http.StatusTooManyRequests, http.StatusOK))
	r, sleeps := newTestRequester(auth.NewAPIKeyStrategy("k"), WithBackOff(time.Second, 3*time.Second))

	resp, err := r.Get(context.Background(), &Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["status"] != float64(200) {
		t.Errorf("Data = %v, want the 200 body", resp.Data)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
	if got := sleeps.recorded(); len(got) != 1 || got[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", got)
	}
}

func TestRequester_RetriesServerErrors(t *testing.T) {
	srv, hits := countingServer(t, statusSequence(http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK))
	r, sleeps := newTestRequester(auth.NewAPIKeyStrategy("k"), WithBackOff(time.Second, 3*time.Second, 10*time.Second))

	resp, err := r.Get(context.Background(), &Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
	want := []time.Duration{time.Second, 3 * time.Second}
	got := sleeps.recorded()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("delays = %v, want %v", got, want)
	}
}

func TestRequester_BackOffExhausted(t *testing.T) {
	srv, hits := countingServer(t, statusSequence(http.StatusServiceUnavailable))
	r, sleeps := newTestRequester(auth.NewAPIKeyStrategy("k"),
		WithBackOff(time.Millisecond, 2*time.Millisecond, 3*time.Millisecond))

	_, err := r.Get(context.Background(), &Request{URL: srv.URL})

	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *core.FetchError, got %v", err)
	}
	if fe.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", fe.StatusCode)
	}
	if fe.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", fe.Attempts)
	}
	if hits.Load() != 4 {
		t.Errorf("server hit %d times, want 4", hits.Load())
	}
	if len(sleeps.recorded()) != 3 {
		t.Errorf("slept %d times, want 3", len(sleeps.recorded()))
	}
}

func TestRequester_EmptyBackOffDisablesRetry(t *testing.T) {
	srv, hits := countingServer(t, statusSequence(http.StatusTooManyRequests, http.StatusOK))
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"), WithBackOff())

	_, err := r.Get(context.Background(), &Request{URL: srv.URL})
	if !core.IsRetryableError(err) {
		t.Errorf("expected a retryable FetchError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestRequester_ClientErrorNotRetried(t *testing.T) {
	srv, hits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such record"})
	})
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"))

	_, err := r.Get(context.Background(), &Request{URL: srv.URL})

	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *core.FetchError, got %v", err)
	}
	if fe.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", fe.StatusCode)
	}
	if !strings.Contains(fe.Body, "no such record") {
		t.Errorf("Body = %q, want response snippet", fe.Body)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestRequester_RetriesConnectionReset(t *testing.T) {
	var calls atomic.Int32
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("read tcp: %w", syscall.ECONNRESET)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("pong")),
		}, nil
	})
	r, sleeps := newTestRequester(auth.NewAPIKeyStrategy("k"), WithHTTPClient(doer))

	resp, err := r.Get(context.Background(), &Request{URL: "https://api.example.com/ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data != "pong" {
		t.Errorf("Data = %v, want pong", resp.Data)
	}
	if calls.Load() != 2 {
		t.Errorf("doer called %d times, want 2", calls.Load())
	}
	if got := sleeps.recorded(); len(got) != 1 || got[0] != DefaultBackOff[0] {
		t.Errorf("delays = %v, want [%s]", got, DefaultBackOff[0])
	}
}

func TestRequester_TransportErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("dial tcp: no such host")
	})
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"), WithHTTPClient(doer))

	_, err := r.Get(context.Background(), &Request{URL: "https://api.example.com/ping"})

	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *core.FetchError, got %v", err)
	}
	if fe.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", fe.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("doer called %d times, want 1", calls.Load())
	}
}

func TestRequester_ContextCancelledDuringBackOff(t *testing.T) {
	srv, hits := countingServer(t, statusSequence(http.StatusServiceUnavailable))
	r := New("Test", auth.NewAPIKeyStrategy("k"),
		WithLogger(core.NewZapLogger(zap.NewNop(), false)),
		WithBackOff(time.Hour),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Get(ctx, &Request{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff sleep ignored cancellation")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestRequester_OnRetry(t *testing.T) {
	srv, _ := countingServer(t, statusSequence(http.StatusBadGateway, http.StatusOK))

	var infos []core.RetryInfo
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"),
		WithBackOff(5*time.Millisecond),
		WithOnRetry(func(info core.RetryInfo) { infos = append(infos, info) }),
	)

	if _, err := r.Post(context.Background(), &Request{URL: srv.URL, Body: map[string]any{"a": 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("OnRetry called %d times, want 1", len(infos))
	}
	info := infos[0]
	if info.Method != http.MethodPost || info.HTTPStatus != http.StatusBadGateway {
		t.Errorf("info = %+v", info)
	}
	if info.Attempt != 1 || info.MaxAttempts != 2 || info.Delay != 5*time.Millisecond {
		t.Errorf("info = %+v", info)
	}
	if info.CallID == "" {
		t.Error("expected a call ID")
	}
}

func TestRequester_RefreshAndReplay(t *testing.T) {
	api, apiHits := countingServer(t, bearerAPI("new-access"))
	tokens, tokenHits := countingServer(t, tokenEndpoint)

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL),
		WithCredentials(oldCreds),
		WithDelegate(rec),
	)

	resp, err := r.Get(context.Background(), &Request{URL: api.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if apiHits.Load() != 2 {
		t.Errorf("api hit %d times, want 2", apiHits.Load())
	}
	if tokenHits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", tokenHits.Load())
	}

	if rec.Count(delegate.KindTokenUpdate) != 1 {
		t.Fatalf("TOKEN_UPDATE delivered %d times, want 1", rec.Count(delegate.KindTokenUpdate))
	}
	ev, _ := rec.Last(delegate.KindTokenUpdate)
	update := ev.(delegate.TokenUpdate)
	if update.Credentials.AccessToken != "new-access" || update.Credentials.RefreshToken != "new-refresh" {
		t.Errorf("TOKEN_UPDATE credentials = %v", update.Credentials)
	}
	if got := r.Credentials().AccessToken; got != "new-access" {
		t.Errorf("Credentials().AccessToken = %q, want new-access", got)
	}
}

func TestRequester_SingleRefreshPerCall(t *testing.T) {
	api, apiHits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "still unauthorized"})
	})
	tokens, tokenHits := countingServer(t, tokenEndpoint)

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL),
		WithCredentials(oldCreds),
		WithDelegate(rec),
	)

	_, err := r.Get(context.Background(), &Request{URL: api.URL})

	var ae *core.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *core.AuthError, got %v", err)
	}
	if !strings.HasPrefix(ae.Error(), "Test -- 401 Auth Error") {
		t.Errorf("Error() = %q", ae.Error())
	}
	if tokenHits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", tokenHits.Load())
	}
	if apiHits.Load() != 2 {
		t.Errorf("api hit %d times, want 2", apiHits.Load())
	}

	kinds := rec.Kinds()
	if len(kinds) != 2 || kinds[0] != delegate.KindTokenUpdate || kinds[1] != delegate.KindInvalidAuth {
		t.Errorf("events = %v, want [TOKEN_UPDATE INVALID_AUTH]", kinds)
	}
}

func TestRequester_InvalidAuthWithoutRefreshToken(t *testing.T) {
	api, apiHits := countingServer(t, bearerAPI("never"))
	tokens, tokenHits := countingServer(t, tokenEndpoint)

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL),
		WithCredentials(core.Credentials{AccessToken: "old-access"}),
		WithDelegate(rec),
	)

	_, err := r.Get(context.Background(), &Request{URL: api.URL})
	if !core.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	var fe *core.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected the 401 FetchError to be wrapped, got %v", err)
	}
	if rec.Count(delegate.KindInvalidAuth) != 1 {
		t.Errorf("INVALID_AUTH delivered %d times, want 1", rec.Count(delegate.KindInvalidAuth))
	}
	if tokenHits.Load() != 0 {
		t.Errorf("token endpoint hit %d times, want 0", tokenHits.Load())
	}
	if apiHits.Load() != 1 {
		t.Errorf("api hit %d times, want 1", apiHits.Load())
	}
}

func TestRequester_APIKeyInvalidAuth(t *testing.T) {
	api, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("revoked"), WithDelegate(rec))

	kinds := r.Notifier().Kinds()
	if len(kinds) != 1 || kinds[0] != delegate.KindInvalidAuth {
		t.Errorf("vocabulary = %v, want [INVALID_AUTH]", kinds)
	}

	_, err := r.Get(context.Background(), &Request{URL: api.URL})
	if !core.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if rec.Count(delegate.KindInvalidAuth) != 1 {
		t.Errorf("INVALID_AUTH delivered %d times, want 1", rec.Count(delegate.KindInvalidAuth))
	}
}

func TestRequester_ConcurrentRefreshIsShared(t *testing.T) {
	var (
		oldHits    atomic.Int32
		bothFailed = make(chan struct{})
		once       sync.Once
	)
	api, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer new-access" {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if oldHits.Add(1) == 2 {
			once.Do(func() { close(bothFailed) })
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokens, tokenHits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Hold the refresh open until both calls have seen the old token fail.
		select {
		case <-bothFailed:
		case <-time.After(2 * time.Second):
		}
		tokenEndpoint(w, r)
	})

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL),
		WithCredentials(oldCreds),
		WithDelegate(rec),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Get(context.Background(), &Request{URL: api.URL})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if tokenHits.Load() != 1 {
		t.Errorf("token endpoint hit %d times, want 1", tokenHits.Load())
	}
	if rec.Count(delegate.KindTokenUpdate) != 1 {
		t.Errorf("TOKEN_UPDATE delivered %d times, want 1", rec.Count(delegate.KindTokenUpdate))
	}
}

func TestRequester_TokenUpdateBeforeReplay(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, s)
	}

	api, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		record("request " + r.Header.Get("Authorization"))
		bearerAPI("new-access")(w, r)
	})
	tokens, _ := countingServer(t, tokenEndpoint)

	d := delegate.Func(func(ctx context.Context, notifier any, event delegate.Event) error {
		if u, ok := event.(delegate.TokenUpdate); ok {
			record("TOKEN_UPDATE " + u.Credentials.AccessToken)
		}
		return nil
	})
	r, _ := newTestRequester(oauth2Strategy(tokens.URL), WithCredentials(oldCreds), WithDelegate(d))

	if _, err := r.Get(context.Background(), &Request{URL: api.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"request Bearer old-access",
		"TOKEN_UPDATE new-access",
		"request Bearer new-access",
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(log, "|") != strings.Join(want, "|") {
		t.Errorf("event order = %q, want %q", log, want)
	}
}

func TestRequester_RefreshRevoked(t *testing.T) {
	api, _ := countingServer(t, bearerAPI("new-access"))
	tokens, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL), WithCredentials(oldCreds), WithDelegate(rec))

	_, err := r.Get(context.Background(), &Request{URL: api.URL})

	var ae *core.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *core.AuthError, got %v", err)
	}
	var re *core.RefreshError
	if !errors.As(err, &re) || !re.Revoked() {
		t.Errorf("expected a revoked *core.RefreshError, got %v", err)
	}
	if rec.Count(delegate.KindTokenDeauthorized) != 1 {
		t.Errorf("TOKEN_DEAUTHORIZED delivered %d times, want 1", rec.Count(delegate.KindTokenDeauthorized))
	}
	if rec.Count(delegate.KindInvalidAuth) != 0 {
		t.Errorf("INVALID_AUTH delivered %d times, want 0", rec.Count(delegate.KindInvalidAuth))
	}
	if creds := r.Credentials(); creds.HasAccessToken() || creds.HasRefreshToken() {
		t.Errorf("expected tokens cleared, got %v", creds)
	}
}

func TestRequester_RefreshServerError(t *testing.T) {
	api, _ := countingServer(t, bearerAPI("new-access"))
	tokens, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token service down", http.StatusInternalServerError)
	})

	rec := &delegate.Recorder{}
	r, _ := newTestRequester(oauth2Strategy(tokens.URL), WithCredentials(oldCreds), WithDelegate(rec))

	_, err := r.Get(context.Background(), &Request{URL: api.URL})

	var re *core.RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("expected *core.RefreshError, got %v", err)
	}
	if re.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", re.StatusCode)
	}
	if !core.IsAuthError(err) {
		t.Error("expected the refresh failure to surface as an auth error")
	}
	if rec.Count(delegate.KindInvalidAuth) != 1 {
		t.Errorf("INVALID_AUTH delivered %d times, want 1", rec.Count(delegate.KindInvalidAuth))
	}
	if r.Credentials().RefreshToken != "old-refresh" {
		t.Error("a failed refresh should keep the stored refresh token")
	}
}

func TestRequester_DelegateErrorPropagates(t *testing.T) {
	errPersist := errors.New("persist failed")

	t.Run("TOKEN_UPDATE", func(t *testing.T) {
		api, apiHits := countingServer(t, bearerAPI("new-access"))
		tokens, _ := countingServer(t, tokenEndpoint)
		d := delegate.Handlers{
			TokenUpdate: func(ctx context.Context, e delegate.TokenUpdate) error { return errPersist },
		}
		r, _ := newTestRequester(oauth2Strategy(tokens.URL), WithCredentials(oldCreds), WithDelegate(d))

		_, err := r.Get(context.Background(), &Request{URL: api.URL})
		if !errors.Is(err, errPersist) {
			t.Fatalf("expected delegate error, got %v", err)
		}
		if core.IsAuthError(err) {
			t.Error("delegate error should not be reported as an auth error")
		}
		if apiHits.Load() != 1 {
			t.Errorf("api hit %d times, want 1 (no replay)", apiHits.Load())
		}
		if r.Credentials().AccessToken != "new-access" {
			t.Error("credentials should be updated even when the delegate fails")
		}
	})

	t.Run("INVALID_AUTH", func(t *testing.T) {
		api, _ := countingServer(t, bearerAPI("never"))
		d := delegate.Handlers{
			InvalidAuth: func(ctx context.Context, e delegate.InvalidAuth) error { return errPersist },
		}
		r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"), WithDelegate(d))

		_, err := r.Get(context.Background(), &Request{URL: api.URL})
		if !errors.Is(err, errPersist) {
			t.Errorf("expected delegate error, got %v", err)
		}
		if !core.IsAuthError(err) {
			t.Errorf("expected auth error, got %v", err)
		}
	})
}

func TestRequester_BodyCodeAuthFailure(t *testing.T) {
	api, apiHits := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid_auth"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	tokens, tokenHits := countingServer(t, tokenEndpoint)

	r, _ := newTestRequester(oauth2Strategy(tokens.URL),
		WithCredentials(oldCreds),
		WithAuthFailureDetector(AnyOf(DefaultAuthFailureDetector, DetectJSONField("error", "invalid_auth", "token_expired"))),
	)

	resp, err := r.Get(context.Background(), &Request{URL: api.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data := resp.Data.(map[string]any); data["ok"] != true {
		t.Errorf("Data = %v, want ok", resp.Data)
	}
	if apiHits.Load() != 2 || tokenHits.Load() != 1 {
		t.Errorf("api hits = %d, token hits = %d, want 2 and 1", apiHits.Load(), tokenHits.Load())
	}
}

func TestRequester_Timeout(t *testing.T) {
	api, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	r, _ := newTestRequester(auth.NewAPIKeyStrategy("k"), WithTimeout(20*time.Millisecond), WithBackOff())

	_, err := r.Get(context.Background(), &Request{URL: api.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestRequester_CustomDoerUsedForRefresh(t *testing.T) {
	api, _ := countingServer(t, bearerAPI("new-access"))
	tokens, _ := countingServer(t, tokenEndpoint)

	var calls atomic.Int32
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return http.DefaultTransport.RoundTrip(req)
	})
	r, _ := newTestRequester(oauth2Strategy(tokens.URL), WithCredentials(oldCreds), WithHTTPClient(doer))

	if _, err := r.Get(context.Background(), &Request{URL: api.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("doer called %d times, want 3 (401, refresh, replay)", calls.Load())
	}
}

func TestRequester_CredentialOps(t *testing.T) {
	t.Run("SetCredentials notifies", func(t *testing.T) {
		rec := &delegate.Recorder{}
		r, _ := newTestRequester(oauth2Strategy("https://provider.invalid/token"), WithDelegate(rec))

		if r.IsAuthenticated() {
			t.Error("expected unauthenticated without credentials")
		}
		if err := r.SetCredentials(context.Background(), oldCreds); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !r.IsAuthenticated() {
			t.Error("expected authenticated after SetCredentials")
		}
		if rec.Count(delegate.KindTokenUpdate) != 1 {
			t.Errorf("TOKEN_UPDATE delivered %d times, want 1", rec.Count(delegate.KindTokenUpdate))
		}
	})

	t.Run("Deauthorize clears tokens", func(t *testing.T) {
		rec := &delegate.Recorder{}
		creds := oldCreds
		creds.ClientID = "stored-client"
		r, _ := newTestRequester(oauth2Strategy("https://provider.invalid/token"),
			WithCredentials(creds), WithDelegate(rec))

		if err := r.Deauthorize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := r.Credentials()
		if got.HasAccessToken() || got.HasRefreshToken() {
			t.Errorf("expected tokens cleared, got %v", got)
		}
		if got.ClientID != "stored-client" {
			t.Errorf("ClientID = %q, want stored-client", got.ClientID)
		}
		if rec.Count(delegate.KindTokenDeauthorized) != 1 {
			t.Errorf("TOKEN_DEAUTHORIZED delivered %d times, want 1", rec.Count(delegate.KindTokenDeauthorized))
		}
	})

	t.Run("RefreshAuth with client credentials", func(t *testing.T) {
		tokens, tokenHits := countingServer(t, tokenEndpoint)
		rec := &delegate.Recorder{}
		strategy := auth.NewOAuth2Strategy("client-id", "client-secret",
			auth.WithTokenURL(tokens.URL),
			auth.WithGrantType(auth.GrantClientCredentials),
		)
		r, _ := newTestRequester(strategy, WithDelegate(rec))

		if err := r.RefreshAuth(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Credentials().AccessToken != "new-access" {
			t.Errorf("AccessToken = %q, want new-access", r.Credentials().AccessToken)
		}
		if tokenHits.Load() != 1 || rec.Count(delegate.KindTokenUpdate) != 1 {
			t.Errorf("token hits = %d, updates = %d", tokenHits.Load(), rec.Count(delegate.KindTokenUpdate))
		}
	})

	t.Run("RefreshAuth without refresh token", func(t *testing.T) {
		r, _ := newTestRequester(oauth2Strategy("https://provider.invalid/token"))
		if err := r.RefreshAuth(context.Background()); !errors.Is(err, ErrNotRefreshable) {
			t.Errorf("expected ErrNotRefreshable, got %v", err)
		}
	})

	t.Run("ExchangeCode", func(t *testing.T) {
		tokens, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			if r.PostForm.Get("code") != "auth-code" {
				t.Errorf("code = %q", r.PostForm.Get("code"))
			}
			tokenEndpoint(w, r)
		})
		rec := &delegate.Recorder{}
		strategy := auth.NewOAuth2Strategy("client-id", "client-secret",
			auth.WithTokenURL(tokens.URL),
			auth.WithAuthURL("https://provider.example.com/authorize"),
		)
		r, _ := newTestRequester(strategy, WithDelegate(rec))

		u, err := r.AuthorizationURL("state-1")
		if err != nil || !strings.Contains(u, "state=state-1") {
			t.Errorf("AuthorizationURL() = %q, %v", u, err)
		}

		creds, err := r.ExchangeCode(context.Background(), "auth-code")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if creds.AccessToken != "new-access" || r.Credentials().AccessToken != "new-access" {
			t.Errorf("credentials not stored: %v", creds)
		}
		if rec.Count(delegate.KindTokenUpdate) != 1 {
			t.Errorf("TOKEN_UPDATE delivered %d times, want 1", rec.Count(delegate.KindTokenUpdate))
		}
	})

	t.Run("authorization code flow unsupported", func(t *testing.T) {
		r, _ := newTestRequester(auth.NewBasicAuthStrategy("u", "p"))
		if _, err := r.AuthorizationURL("s"); !errors.Is(err, ErrNotAuthorizer) {
			t.Errorf("expected ErrNotAuthorizer, got %v", err)
		}
		if _, err := r.ExchangeCode(context.Background(), "c"); !errors.Is(err, ErrNotAuthorizer) {
			t.Errorf("expected ErrNotAuthorizer, got %v", err)
		}
	})
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
