package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/core"
	"github.com/friggframework/frigg-go/delegate"
)

// DefaultBackOff is the retry schedule used when none is configured.
var DefaultBackOff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	180 * time.Second,
}

// state is a step of the per-call retry state machine.
type state int

const (
	stateIssuing state = iota
	stateEvaluating
	stateRetrying
	stateRefreshing
	stateSucceeded
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIssuing:
		return "issuing"
	case stateEvaluating:
		return "evaluating"
	case stateRetrying:
		return "retrying"
	case stateRefreshing:
		return "refreshing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// callChain is the retry state of one top-level call.
type callChain struct {
	id     string
	method string
	url    string
	req    *Request
	body   encodedBody
	logger *core.Logger

	backOff   []time.Duration
	attempt   int
	refreshed bool
	gen       uint64 // token generation the last attempt was issued with

	resp   *Response
	err    error
	reason string // why the next retry was scheduled
}

// run drives chain to Succeeded or Failed.
func (r *Requester) run(ctx context.Context, chain *callChain) (*Response, error) {
	st := stateIssuing
	for {
		switch st {
		case stateIssuing:
			creds, gen := r.tokens.snapshot()
			chain.gen = gen
			chain.resp, chain.err = r.exec.execute(ctx, chain, creds)
			st = stateEvaluating
		case stateEvaluating:
			st = r.evaluate(chain)
		case stateRetrying:
			st = r.retry(ctx, chain)
		case stateRefreshing:
			st = r.refreshChain(ctx, chain)
		case stateSucceeded:
			return chain.resp, nil
		case stateFailed:
			return nil, chain.err
		}
	}
}

// evaluate classifies the last attempt. Retryable failures are checked
// before auth failures.
func (r *Requester) evaluate(chain *callChain) state {
	canRetry := chain.attempt < len(chain.backOff)

	if chain.err != nil {
		if canRetry && core.IsTransientTransportError(chain.err) {
			chain.reason = "connection reset"
			return stateRetrying
		}
		var fe *core.FetchError
		if errors.As(chain.err, &fe) {
			fe.Attempts = chain.attempt + 1
		}
		return stateFailed
	}

	resp := chain.resp
	if canRetry && core.IsRetryableStatus(resp.StatusCode) {
		chain.reason = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return stateRetrying
	}
	if r.detector(resp) {
		return stateRefreshing
	}
	if resp.StatusCode >= 400 {
		chain.err = resp.fetchError(chain.attempt + 1)
		return stateFailed
	}
	return stateSucceeded
}

// retry sleeps for the scheduled delay and moves to the next attempt.
func (r *Requester) retry(ctx context.Context, chain *callChain) state {
	delay := chain.backOff[chain.attempt]
	info := core.RetryInfo{
		Timestamp:   time.Now(),
		CallID:      chain.id,
		Method:      chain.method,
		RequestURL:  chain.url,
		Attempt:     chain.attempt + 1,
		MaxAttempts: len(chain.backOff) + 1,
		Delay:       delay,
		Reason:      chain.reason,
	}
	if chain.resp != nil {
		info.HTTPStatus = chain.resp.StatusCode
	}
	chain.logger.Retry(info)
	if r.onRetry != nil {
		r.onRetry(info)
	}

	if err := r.sleep(ctx, delay); err != nil {
		chain.err = fmt.Errorf("waiting to retry %s %s: %w", chain.method, chain.url, err)
		return stateFailed
	}
	chain.attempt++
	return stateIssuing
}

// refreshChain handles an auth failure. A chain replays at most once after
// an auth failure, whether it refreshed itself or picked up a token another
// call refreshed.
func (r *Requester) refreshChain(ctx context.Context, chain *callChain) state {
	fe := chain.resp.fetchError(chain.attempt + 1)

	if chain.refreshed {
		return r.failAuth(ctx, chain, "authentication failed after refreshing credentials", fe)
	}

	creds, gen := r.tokens.snapshot()
	if gen == chain.gen {
		refresher, ok := r.strategy.(auth.Refresher)
		if !ok || !refresher.CanRefresh(creds) {
			return r.failAuth(ctx, chain, "no credentials available to refresh", fe)
		}
		chain.logger.Debug("%s %s: refreshing credentials", chain.method, chain.url)
		if err := r.refresh(ctx, chain.gen); err != nil {
			if ctx.Err() != nil {
				chain.err = fmt.Errorf("refreshing credentials: %w", ctx.Err())
				return stateFailed
			}
			return r.refreshFailed(ctx, chain, fe, err)
		}
	} else {
		chain.logger.Debug("%s %s: credentials already refreshed, replaying", chain.method, chain.url)
	}

	chain.refreshed = true
	chain.attempt++
	return stateIssuing
}

// failAuth notifies INVALID_AUTH and fails the chain with an AuthError.
func (r *Requester) failAuth(ctx context.Context, chain *callChain, reason string, fe *core.FetchError) state {
	authErr := core.NewAuthError(r.name, reason, fe, nil)
	chain.logger.Warn("%s %s: %v", chain.method, chain.url, authErr)

	chain.err = authErr
	if err := r.notify(ctx, delegate.InvalidAuth{Reason: reason, Err: authErr}); err != nil {
		chain.err = errors.Join(authErr, err)
	}
	return stateFailed
}

// refreshFailed fails the chain after an unsuccessful refresh. A rejected
// refresh has already notified the delegate.
func (r *Requester) refreshFailed(ctx context.Context, chain *callChain, fe *core.FetchError, err error) state {
	var ne *notifyError
	if errors.As(err, &ne) {
		chain.err = ne.err
		return stateFailed
	}

	var rf *refreshFailure
	if !errors.As(err, &rf) {
		return r.failAuth(ctx, chain, err.Error(), fe)
	}
	authErr := core.NewAuthError(r.name, "Error Refreshing Credentials", fe, rf.cause)
	chain.logger.Warn("%s %s: %v", chain.method, chain.url, authErr)
	chain.err = authErr
	if rf.notifyErr != nil {
		chain.err = errors.Join(authErr, rf.notifyErr)
	}
	return stateFailed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
