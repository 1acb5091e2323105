// Package access decides whether a caller may read a managed file and for
// how long the response may be cached.
package access

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/auth"
	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/events"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/metrics"
	"github.com/fruitsalade/fileguard/internal/tree"
)

// DefaultMaxAge is the public cache lifetime of unrestricted files (4 hours).
const DefaultMaxAge = 14400

// Rules that can produce a decision.
const (
	RuleProcessingZone = "processing_zone"
	RuleFrontend       = "frontend"
	RuleBackendAdmin   = "backend_admin"
	RuleBackendMount   = "backend_mount"
	RuleOrphan         = "orphaned_derivative"
	RuleDenied         = "denied"
	RuleHook           = "hook"
	RuleError          = "error"
)

// Decision is the outcome for one request. MaxAge 0 means the response must
// not be cached.
type Decision struct {
	Allowed bool
	MaxAge  int
	Rule    string
}

// Catalog is what the engine needs from the file catalog.
type Catalog interface {
	tree.Lister
	DefaultStorage(ctx context.Context) (*catalog.Storage, error)
	EvaluateFileAccess(ctx context.Context, file *catalog.File, groupIDs []int, maxAge int) (bool, int, error)
}

// Engine evaluates the access rules followed by the security-check hook.
type Engine struct {
	catalog       Catalog
	hooks         *events.Dispatcher
	defaultMaxAge int
}

// NewEngine creates an engine. hooks may be nil.
func NewEngine(c Catalog, hooks *events.Dispatcher, defaultMaxAge int) *Engine {
	return &Engine{catalog: c, hooks: hooks, defaultMaxAge: defaultMaxAge}
}

// Decide returns the final decision for file. Any catalog error denies and is
// returned so the caller can fail closed.
func (e *Engine) Decide(ctx context.Context, file *catalog.File, ac *auth.Context) (Decision, error) {
	if ac == nil {
		ac = auth.Anonymous()
	}

	d, err := e.decide(ctx, file, ac)
	if err != nil {
		metrics.RecordAccessDecision(false, RuleError)
		return Decision{Rule: RuleError}, err
	}

	if e.hooks != nil {
		ev := e.hooks.Dispatch(ctx, events.NewSecurityCheck(file, ac, d.Allowed))
		switch {
		case !ev.Overridden():
		case ev.Allowed() == d.Allowed:
			logging.WithContext(ctx).Debug("access decision confirmed by hook",
				zap.String("identifier", file.Identifier),
				zap.String("listener", ev.ChangedBy()))
		default:
			metrics.RecordHookOverride()
			logging.WithContext(ctx).Info("access decision overridden",
				zap.String("identifier", file.Identifier),
				zap.String("listener", ev.ChangedBy()),
				zap.Bool("allowed", ev.Allowed()))
			d = Decision{Allowed: ev.Allowed(), Rule: RuleHook}
		}
	}

	metrics.RecordAccessDecision(d.Allowed, d.Rule)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, file *catalog.File, ac *auth.Context) (Decision, error) {
	src := file.Source()
	if src == nil {
		logging.WithContext(ctx).Warn("processed file without original",
			zap.String("identifier", file.Identifier))
		return Decision{Rule: RuleOrphan}, nil
	}

	if !file.Processed {
		st, err := e.catalog.DefaultStorage(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("default storage: %w", err)
		}
		if st.ID == file.StorageID && st.IsWithinProcessingFolder(file.Identifier) {
			return Decision{Allowed: true, MaxAge: e.defaultMaxAge, Rule: RuleProcessingZone}, nil
		}
	}

	ok, maxAge, err := e.catalog.EvaluateFileAccess(ctx, src, ac.FrontendGroups(), e.defaultMaxAge)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate file access: %w", err)
	}
	if ok {
		return Decision{Allowed: true, MaxAge: maxAge, Rule: RuleFrontend}, nil
	}

	rule, err := e.backendAccess(ctx, src, ac.BackendUser())
	if err != nil {
		return Decision{}, err
	}
	if rule != "" {
		return Decision{Allowed: true, MaxAge: 0, Rule: rule}, nil
	}
	return Decision{Rule: RuleDenied}, nil
}

// backendAccess returns the granting rule, or "" when the backend user has no
// access to file.
func (e *Engine) backendAccess(ctx context.Context, file *catalog.File, user *auth.BackendUser) (string, error) {
	if user == nil {
		return "", nil
	}
	if user.IsAdmin {
		return RuleBackendAdmin, nil
	}
	for _, mount := range user.FileMounts {
		if mount == nil || mount.StorageID != file.StorageID {
			continue
		}
		found, err := tree.ContainsFile(ctx, e.catalog, mount, file)
		if err != nil {
			return "", fmt.Errorf("file mount %s: %w", mount.Identifier, err)
		}
		if found {
			return RuleBackendMount, nil
		}
	}
	return "", nil
}
