package storage

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/logging"
)

// Router resolves which backend holds the bytes of a catalog storage.
type Router struct {
	mu        sync.RWMutex
	backends  map[int]Backend
	fallback  Backend
	closeOnce sync.Once
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[int]Backend)}
}

// Register binds a catalog storage ID to a backend, replacing any previous
// binding. The replaced backend is closed.
func (r *Router) Register(storageID int, b Backend) {
	r.mu.Lock()
	old := r.backends[storageID]
	r.backends[storageID] = b
	r.mu.Unlock()

	if old != nil && old != b && !r.inUse(old) {
		old.Close()
	}
	logging.Info("storage backend registered",
		zap.Int("storage_id", storageID),
		zap.String("type", b.Type()))
}

// SetFallback sets the backend used for storages without an explicit binding.
func (r *Router) SetFallback(b Backend) {
	r.mu.Lock()
	r.fallback = b
	r.mu.Unlock()
}

// Resolve returns the backend for a storage.
// Priority: explicit binding > fallback.
func (r *Router) Resolve(storageID int) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.backends[storageID]; ok {
		return b, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrNoBackend
}

func (r *Router) inUse(b Backend) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == b {
		return true
	}
	for _, other := range r.backends {
		if other == b {
			return true
		}
	}
	return false
}

// Close closes every distinct backend once.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		seen := make(map[Backend]bool)
		all := make([]Backend, 0, len(r.backends)+1)
		for _, b := range r.backends {
			all = append(all, b)
		}
		if r.fallback != nil {
			all = append(all, r.fallback)
		}
		for _, b := range all {
			if seen[b] {
				continue
			}
			seen[b] = true
			if err := b.Close(); err != nil {
				logging.Warn("storage backend close failed", zap.String("type", b.Type()), zap.Error(err))
			}
		}
	})
	return nil
}
