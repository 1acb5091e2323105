// Package interceptor serves managed files in front of the host CMS: it
// resolves the path, authorizes the caller and streams the bytes. Requests
// outside the managed prefix are handed to the next handler untouched.
package interceptor

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/access"
	"github.com/fruitsalade/fileguard/internal/auth"
	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/resolver"
	"github.com/fruitsalade/fileguard/internal/storage"
)

// noCache is sent whenever a response must not be cached.
const noCache = "no-store, no-cache, must-revalidate, max-age=0, post-check=0, pre-check=0"

// Backends maps a storage to its byte backend. *storage.Router satisfies it.
type Backends interface {
	Resolve(storageID int) (storage.Backend, error)
}

// Gate is the part shared by both interceptor variants: path resolution,
// authorization and backend lookup.
type Gate struct {
	resolver  *resolver.Resolver
	engine    *access.Engine
	auth      auth.Provider
	backends  Backends
	return403 bool
}

// NewGate creates a gate. Denied requests get 404, or 403 when return403 is set.
func NewGate(r *resolver.Resolver, e *access.Engine, p auth.Provider, b Backends, return403 bool) *Gate {
	return &Gate{resolver: r, engine: e, auth: p, backends: b, return403: return403}
}

// admission is an authorized request.
type admission struct {
	file     *catalog.File
	decision access.Decision
	backend  storage.Backend
}

// admit runs the request through resolution and authorization. managed is
// false for paths outside the prefix. A nil admission on a managed path means
// the error response has already been written.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request) (adm *admission, managed bool) {
	ctx := r.Context()
	log := logging.WithContext(ctx)

	res, err := g.resolver.Resolve(ctx, r.URL.EscapedPath())
	if err != nil {
		log.Error("path resolution failed", zap.String("path", r.URL.EscapedPath()), zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, true
	}
	if res.Outcome == resolver.NotManaged {
		return nil, false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, true
	}
	if res.Outcome == resolver.NotFound {
		sendError(w, http.StatusNotFound, "not found")
		return nil, true
	}

	ac, err := g.auth.Resolve(r)
	if err != nil {
		log.Error("auth context resolution failed", zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, true
	}

	decision, err := g.engine.Decide(ctx, res.File, ac)
	if err != nil {
		log.Error("access decision failed",
			zap.String("identifier", res.File.Identifier),
			zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, true
	}
	if !decision.Allowed {
		log.Debug("access denied",
			zap.String("identifier", res.File.Identifier),
			zap.String("rule", decision.Rule))
		g.deny(w)
		return nil, true
	}

	backend, err := g.backends.Resolve(res.File.StorageID)
	if err != nil {
		log.Error("no byte backend for storage",
			zap.Int("storage_id", res.File.StorageID),
			zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "storage unavailable")
		return nil, true
	}

	return &admission{file: res.File, decision: decision, backend: backend}, true
}

func (g *Gate) deny(w http.ResponseWriter) {
	if g.return403 {
		sendError(w, http.StatusForbidden, "access denied")
		return
	}
	sendError(w, http.StatusNotFound, "not found")
}

// setCacheHeaders applies the cache lifetime of a decision.
func setCacheHeaders(h http.Header, maxAge int) {
	if maxAge > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
		return
	}
	h.Set("Cache-Control", noCache)
	h.Set("Pragma", "no-cache")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func sendError(w http.ResponseWriter, code int, message string) {
	setCacheHeaders(w.Header(), 0)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error: message,
		Code:  code,
	})
}
