// Package core provides shared types and utilities for Frigg requesters.
//
// This package contains:
//   - Credentials, the token material owned by a requester
//   - Error types for failed fetches, authentication failures and refresh failures
//   - Request masking and response snippet helpers used to build diagnostics
//   - Logging utilities
//
// Error types can be used for type assertions to handle specific error cases:
//
//	resp, err := requester.Get(ctx, &client.Request{URL: url})
//	if err != nil {
//	    var authErr *core.AuthError
//	    if errors.As(err, &authErr) {
//	        // Prompt the user to re-authorize
//	    }
//	}
package core

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorHeaders lists the response headers copied onto a FetchError.
var ErrorHeaders = []string{
	"Content-Type",
	"Retry-After",
	"WWW-Authenticate",
	"X-Request-Id",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"Date",
}

// FetchError is returned when a request fails with a non-2xx status, a
// transport error, or after the retry schedule is exhausted.
//
// Init carries the request as it was sent, with credentials masked.
type FetchError struct {
	Resource   string      `json:"resource"`
	Init       RequestInit `json:"init"`
	StatusCode int         `json:"statusCode"`
	StatusText string      `json:"statusText,omitempty"`
	Header     http.Header `json:"headers,omitempty"`
	Body       string      `json:"body,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	Cause      error       `json:"-"`
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("fetch %s %s: %v", e.Init.Method, e.Resource, e.Cause)
		}
		return fmt.Sprintf("fetch %s %s failed", e.Init.Method, e.Resource)
	}
	status := e.StatusText
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	if e.Body != "" {
		return fmt.Sprintf("fetch %s %s: %s: %s (status: %d)", e.Init.Method, e.Resource, status, e.Body, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s %s: %s (status: %d)", e.Init.Method, e.Resource, status, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Details renders the full request/response diagnostics over several lines.
func (e *FetchError) Details() string {
	var b strings.Builder
	b.WriteString(">>> Request >>>\n")
	fmt.Fprintf(&b, "%s %s\n", e.Init.Method, e.Resource)
	writeHeaders(&b, e.Init.Header)
	if e.Init.Body != "" {
		b.WriteString(e.Init.Body)
		b.WriteString("\n")
	}
	b.WriteString("<<< Response <<<\n")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "%d %s\n", e.StatusCode, e.StatusText)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, "%v\n", e.Cause)
	}
	writeHeaders(&b, e.Header)
	if e.Body != "" {
		b.WriteString(e.Body)
		b.WriteString("\n")
	}
	return b.String()
}

func writeHeaders(b *strings.Builder, h http.Header) {
	for _, k := range sortedKeys(h) {
		fmt.Fprintf(b, "%s: %s\n", k, strings.Join(h[k], ", "))
	}
}

// NewFetchError builds a FetchError from an HTTP response.
//
// The response body is read to produce a diagnostic snippet. A body that was
// already consumed or fails to read yields a placeholder rather than an error.
func NewFetchError(resource string, init RequestInit, resp *http.Response) *FetchError {
	e := &FetchError{
		Resource: resource,
		Init:     init,
	}
	if resp == nil {
		e.Body = unavailableBody
		return e
	}
	e.StatusCode = resp.StatusCode
	e.StatusText = statusText(resp)
	e.Header = selectHeaders(resp.Header)
	e.Body = readSnippet(resp)
	return e
}

// NewTransportError builds a FetchError for a request that never produced a
// response.
func NewTransportError(resource string, init RequestInit, cause error) *FetchError {
	return &FetchError{
		Resource: resource,
		Init:     init,
		Cause:    cause,
	}
}

const unavailableBody = "<response body unavailable>"

func readSnippet(resp *http.Response) string {
	if resp.Body == nil || resp.Body == http.NoBody {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSnippetBytes*4))
	if err != nil {
		return fmt.Sprintf("%s: %v", unavailableBody, err)
	}
	return DecodeSnippet(resp.Header.Get("Content-Type"), data)
}

func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func selectHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range ErrorHeaders {
		if v := h.Values(name); len(v) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	return out
}

// AuthError is returned when a request fails authentication and the
// credentials could not be refreshed.
//
// Callers are expected to prompt the user to re-authorize. When a refresh
// was attempted and failed, Cause holds the *RefreshError.
type AuthError struct {
	Module string      `json:"module"`
	Reason string      `json:"reason"`
	Fetch  *FetchError `json:"fetch,omitempty"`
	Cause  error       `json:"-"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s -- 401 Auth Error: %s", e.Module, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Fetch != nil {
		errs = append(errs, e.Fetch)
	}
	return errs
}

// NewAuthError creates a new AuthError.
func NewAuthError(module, reason string, fetch *FetchError, cause error) *AuthError {
	return &AuthError{
		Module: module,
		Reason: reason,
		Fetch:  fetch,
		Cause:  cause,
	}
}

// RefreshError is returned when the token endpoint rejects a refresh or
// cannot be reached.
type RefreshError struct {
	StatusCode       int    `json:"statusCode,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
	Cause            error  `json:"-"`
}

func (e *RefreshError) Error() string {
	msg := "Error Refreshing Credentials"
	if e.ErrorCode != "" {
		msg += ": " + e.ErrorCode
		if e.ErrorDescription != "" {
			msg += " (" + e.ErrorDescription + ")"
		}
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status: %d)", e.StatusCode)
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Cause
}

// Revoked reports whether the token endpoint rejected the grant itself,
// meaning the refresh token is no longer usable.
func (e *RefreshError) Revoked() bool {
	return e.ErrorCode == "invalid_grant"
}

// RetryInfo describes one scheduled retry.
//
// This is passed to the OnRetry callback.
type RetryInfo struct {
	Timestamp   time.Time     `json:"timestamp"`
	CallID      string        `json:"callId"`
	Method      string        `json:"method"`
	RequestURL  string        `json:"requestUrl"`
	HTTPStatus  int           `json:"httpStatus,omitempty"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Delay       time.Duration `json:"delay"`
	Reason      string        `json:"reason"`
}

// IsRetryableStatus reports whether a status is transient: 429 or any 5xx.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// IsTransientTransportError reports whether a transport failure is worth
// retrying. Only connection resets qualify.
func IsTransientTransportError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

// IsRetryableError returns true if the error describes a transient failure.
func IsRetryableError(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	if fe.StatusCode == 0 {
		return IsTransientTransportError(fe.Cause)
	}
	return IsRetryableStatus(fe.StatusCode)
}

// IsAuthError returns true if err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
