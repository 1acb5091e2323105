// Package auth builds the per-request authentication context from frontend
// and backend session tokens.
package auth

import (
	"net/http"

	"github.com/fruitsalade/fileguard/internal/catalog"
)

// FrontendUser is a logged-in website visitor.
type FrontendUser struct {
	ID       int
	Username string
	GroupIDs []int
}

// BackendUser is an editor or administrator.
type BackendUser struct {
	ID         int
	Username   string
	IsAdmin    bool
	FileMounts []*catalog.Folder
}

// BackendSession is an authenticated backend session. User may be nil when
// the session is valid but no user record is attached.
type BackendSession struct {
	User *BackendUser
}

// Context is the immutable per-request view of who is asking.
// Anonymous callers have both fields nil.
type Context struct {
	Frontend *FrontendUser
	Backend  *BackendSession
}

// Anonymous returns an empty context.
func Anonymous() *Context {
	return &Context{}
}

// IsAnonymous reports whether neither session is present.
func (c *Context) IsAnonymous() bool {
	return c == nil || (c.Frontend == nil && c.Backend == nil)
}

// FrontendGroups returns the caller's frontend groups, nil when anonymous.
func (c *Context) FrontendGroups() []int {
	if c == nil || c.Frontend == nil {
		return nil
	}
	return c.Frontend.GroupIDs
}

// BackendUser returns the backend user record, or nil.
func (c *Context) BackendUser() *BackendUser {
	if c == nil || c.Backend == nil {
		return nil
	}
	return c.Backend.User
}

// Provider resolves the auth context of a request. It is called once per
// request, before any access decision. Errors mean the context could not be
// determined and the request must fail closed.
type Provider interface {
	Resolve(r *http.Request) (*Context, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(r *http.Request) (*Context, error)

// Resolve calls f(r).
func (f ProviderFunc) Resolve(r *http.Request) (*Context, error) { return f(r) }

// Static always returns the same context. Useful for tests and for
// deployments without sessions.
func Static(c *Context) Provider {
	return ProviderFunc(func(*http.Request) (*Context, error) { return c, nil })
}
