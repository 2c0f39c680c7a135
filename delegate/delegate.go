// Package delegate announces token lifecycle events from a requester to the
// object that owns it, typically an integration manager that persists
// credentials or marks an integration as needing re-authorization.
//
// A Notifier has exactly one delegate and a fixed vocabulary of event kinds
// declared by the requester that embeds it. Delivery is synchronous: an error
// returned by the delegate propagates out of the request that triggered it.
//
//	rec := &delegate.Recorder{}
//	requester.SetDelegate(rec)
//	...
//	if ev, ok := rec.Last(delegate.KindTokenUpdate); ok {
//	    save(ev.(delegate.TokenUpdate).Credentials)
//	}
package delegate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/friggframework/frigg-go/core"
)

// Kind identifies an event. The string values match the tags used by Frigg
// integration managers and are not renamed by callers.
type Kind string

const (
	KindTokenUpdate       Kind = "TOKEN_UPDATE"
	KindTokenDeauthorized Kind = "TOKEN_DEAUTHORIZED"
	KindInvalidAuth       Kind = "INVALID_AUTH"
)

// Event is one of TokenUpdate, TokenDeauthorized or InvalidAuth.
type Event interface {
	Kind() Kind
	isEvent()
}

// TokenUpdate is sent after new credentials were obtained. Delegates should
// persist Credentials.
type TokenUpdate struct {
	Credentials core.Credentials
}

// TokenDeauthorized is sent when the credentials were revoked or cleared.
type TokenDeauthorized struct {
	Reason string
}

// InvalidAuth is sent when a request failed authentication and the
// credentials could not be recovered.
type InvalidAuth struct {
	Reason string
	Err    error
}

func (TokenUpdate) Kind() Kind       { return KindTokenUpdate }
func (TokenDeauthorized) Kind() Kind { return KindTokenDeauthorized }
func (InvalidAuth) Kind() Kind       { return KindInvalidAuth }

func (TokenUpdate) isEvent()       {}
func (TokenDeauthorized) isEvent() {}
func (InvalidAuth) isEvent()       {}

// Delegate receives notifications. notifier is the requester that raised the
// event.
type Delegate interface {
	ReceiveNotification(ctx context.Context, notifier any, event Event) error
}

// Func adapts a function to the Delegate interface.
type Func func(ctx context.Context, notifier any, event Event) error

// ReceiveNotification calls f.
func (f Func) ReceiveNotification(ctx context.Context, notifier any, event Event) error {
	return f(ctx, notifier, event)
}

// Handlers dispatches an event to the handler for its kind. Nil handlers
// ignore their event.
type Handlers struct {
	TokenUpdate       func(context.Context, TokenUpdate) error
	TokenDeauthorized func(context.Context, TokenDeauthorized) error
	InvalidAuth       func(context.Context, InvalidAuth) error
}

// ReceiveNotification implements Delegate.
func (h Handlers) ReceiveNotification(ctx context.Context, _ any, event Event) error {
	switch ev := event.(type) {
	case TokenUpdate:
		if h.TokenUpdate != nil {
			return h.TokenUpdate(ctx, ev)
		}
	case TokenDeauthorized:
		if h.TokenDeauthorized != nil {
			return h.TokenDeauthorized(ctx, ev)
		}
	case InvalidAuth:
		if h.InvalidAuth != nil {
			return h.InvalidAuth(ctx, ev)
		}
	default:
		return fmt.Errorf("delegate: unknown event %T", event)
	}
	return nil
}

// ErrUndeclaredEvent is returned by Notify for an event kind outside the
// notifier's vocabulary.
var ErrUndeclaredEvent = errors.New("delegate: undeclared event")

// Notifier delivers events to a single delegate.
type Notifier struct {
	mu       sync.RWMutex
	delegate Delegate
	kinds    map[Kind]struct{}
}

// NewNotifier creates a notifier that accepts the given kinds.
func NewNotifier(kinds ...Kind) *Notifier {
	n := &Notifier{kinds: make(map[Kind]struct{}, len(kinds))}
	n.Declare(kinds...)
	return n
}

// Declare adds kinds to the vocabulary.
func (n *Notifier) Declare(kinds ...Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range kinds {
		n.kinds[k] = struct{}{}
	}
}

// Declared reports whether kind is part of the vocabulary.
func (n *Notifier) Declared(kind Kind) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.kinds[kind]
	return ok
}

// Kinds returns the vocabulary in sorted order.
func (n *Notifier) Kinds() []Kind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Kind, 0, len(n.kinds))
	for k := range n.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetDelegate replaces the delegate. A nil delegate silences notifications.
func (n *Notifier) SetDelegate(d Delegate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delegate = d
}

// Delegate returns the current delegate.
func (n *Notifier) Delegate() Delegate {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.delegate
}

// Notify delivers event to the delegate on behalf of source.
func (n *Notifier) Notify(ctx context.Context, source any, event Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrUndeclaredEvent)
	}
	n.mu.RLock()
	_, ok := n.kinds[event.Kind()]
	d := n.delegate
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredEvent, event.Kind())
	}
	if d == nil {
		return nil
	}
	return d.ReceiveNotification(ctx, source, event)
}
