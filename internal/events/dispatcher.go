// Package events provides the synchronous security-check hook. Listeners run
// in registration order, each seeing the verdict left by the previous one.
package events

import (
	"context"
	"sync"

	"github.com/fruitsalade/fileguard/internal/auth"
	"github.com/fruitsalade/fileguard/internal/catalog"
)

// SecurityCheck is dispatched after the built-in rules decided on a file.
type SecurityCheck struct {
	File *catalog.File
	Auth *auth.Context

	allowed    bool
	overridden bool
	changedBy  string
}

// NewSecurityCheck creates an event carrying the built-in verdict.
func NewSecurityCheck(file *catalog.File, ac *auth.Context, allowed bool) *SecurityCheck {
	return &SecurityCheck{File: file, Auth: ac, allowed: allowed}
}

// Allowed returns the current verdict.
func (e *SecurityCheck) Allowed() bool { return e.allowed }

// SetAllowed replaces the current verdict.
func (e *SecurityCheck) SetAllowed(allowed bool) {
	e.allowed = allowed
	e.overridden = true
}

// Overridden reports whether any listener called SetAllowed.
func (e *SecurityCheck) Overridden() bool { return e.overridden }

// ChangedBy names the last listener that called SetAllowed.
func (e *SecurityCheck) ChangedBy() string { return e.changedBy }

// Listener observes and may override a security check.
type Listener interface {
	OnSecurityCheck(ctx context.Context, e *SecurityCheck)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e *SecurityCheck)

// OnSecurityCheck calls f(ctx, e).
func (f ListenerFunc) OnSecurityCheck(ctx context.Context, e *SecurityCheck) { f(ctx, e) }

type namedListener struct {
	name string
	l    Listener
}

// Dispatcher delivers security checks to an ordered list of listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []namedListener
}

// NewDispatcher creates a dispatcher with no listeners.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register appends a listener. Listeners run in registration order.
func (d *Dispatcher) Register(name string, l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, namedListener{name: name, l: l})
	d.mu.Unlock()
}

// Dispatch runs every listener synchronously and returns the event with the
// final verdict. The last listener to call SetAllowed wins.
func (d *Dispatcher) Dispatch(ctx context.Context, e *SecurityCheck) *SecurityCheck {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	for _, nl := range listeners {
		before := e.overridden
		e.overridden = false
		nl.l.OnSecurityCheck(ctx, e)
		if e.overridden {
			e.changedBy = nl.name
		}
		e.overridden = e.overridden || before
	}
	return e
}

// Count returns the number of registered listeners.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}
