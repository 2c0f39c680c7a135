package client

import (
	"context"
	"errors"
	"sync"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/core"
	"github.com/friggframework/frigg-go/delegate"
)

// ErrNotRefreshable is returned by RefreshAuth when the strategy cannot
// obtain new credentials.
var ErrNotRefreshable = errors.New("credentials cannot be refreshed")

// tokenState holds the requester's credentials. gen increases on every
// replacement so a call can tell whether the token it used is still current.
type tokenState struct {
	mu    sync.RWMutex
	creds core.Credentials
	gen   uint64
}

func (t *tokenState) snapshot() (core.Credentials, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.creds, t.gen
}

func (t *tokenState) set(c core.Credentials) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = c
	t.gen++
	return t.gen
}

// notifyError carries a delegate error raised while delivering TOKEN_UPDATE.
// It is returned to the caller unchanged.
type notifyError struct {
	err error
}

func (e *notifyError) Error() string { return e.err.Error() }
func (e *notifyError) Unwrap() error { return e.err }

// refreshFailure is a failed refresh whose delegate notification has
// already been sent.
type refreshFailure struct {
	cause     error
	notifyErr error
}

func (e *refreshFailure) Error() string { return e.cause.Error() }
func (e *refreshFailure) Unwrap() []error {
	if e.notifyErr != nil {
		return []error{e.cause, e.notifyErr}
	}
	return []error{e.cause}
}

// refresh obtains new credentials unless the token generation already moved
// past seen. Concurrent callers share one token endpoint call.
//
// The token call runs detached from ctx so a cancelled caller does not fail
// the refresh for the others waiting on it; ctx only bounds the wait.
func (r *Requester) refresh(ctx context.Context, seen uint64) error {
	ch := r.group.DoChan("refresh", func() (any, error) {
		creds, gen := r.tokens.snapshot()
		if gen != seen {
			return nil, nil
		}
		refresher, ok := r.strategy.(auth.Refresher)
		if !ok || !refresher.CanRefresh(creds) {
			return nil, ErrNotRefreshable
		}

		rctx := auth.ContextWithHTTPClient(context.WithoutCancel(ctx), r.tokenClient)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, r.timeout)
			defer cancel()
		}

		r.logger.Token("refresh started", creds)
		next, err := refresher.Refresh(rctx, creds)
		if err != nil {
			return nil, r.refreshRejected(rctx, creds, err)
		}
		r.tokens.set(next)
		r.logger.Token("refreshed", next)

		if err := r.notify(rctx, delegate.TokenUpdate{Credentials: next}); err != nil {
			return nil, &notifyError{err: err}
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshRejected notifies the delegate of a failed refresh. A revoked
// refresh token clears the stored tokens and sends TOKEN_DEAUTHORIZED;
// anything else sends INVALID_AUTH.
func (r *Requester) refreshRejected(ctx context.Context, creds core.Credentials, err error) error {
	r.logger.Warn("%s: %v", r.name, err)

	var (
		re    *core.RefreshError
		event delegate.Event = delegate.InvalidAuth{Reason: "Error Refreshing Credentials", Err: err}
	)
	if errors.As(err, &re) && re.Revoked() && r.notifier.Declared(delegate.KindTokenDeauthorized) {
		r.tokens.set(creds.WithoutTokens())
		event = delegate.TokenDeauthorized{Reason: re.Error()}
	}
	return &refreshFailure{cause: err, notifyErr: r.notify(ctx, event)}
}
