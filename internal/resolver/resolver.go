// Package resolver maps request paths under the managed prefix to catalog
// files.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/metrics"
)

// Outcome classifies a resolved path.
type Outcome int

const (
	// NotManaged paths are passed through untouched.
	NotManaged Outcome = iota
	// NotFound paths are under the prefix but have no catalog entry. They
	// must be answered with 404 and never passed through.
	NotFound
	// Managed paths name a catalog file.
	Managed
)

func (o Outcome) String() string {
	switch o {
	case NotManaged:
		return "not_managed"
	case NotFound:
		return "not_found"
	case Managed:
		return "managed"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving one path.
type Resolution struct {
	Outcome Outcome
	File    *catalog.File
	Storage *catalog.Storage
}

// Catalog is what the resolver needs from the file catalog.
type Catalog interface {
	DefaultStorage(ctx context.Context) (*catalog.Storage, error)
	HasFile(ctx context.Context, storageID int, identifier string) (bool, error)
	GetFile(ctx context.Context, storageID int, identifier string) (*catalog.File, error)
}

// Resolver matches paths against a single managed prefix served by the
// catalog's default storage.
type Resolver struct {
	catalog Catalog
	prefix  string
}

// New creates a resolver. prefix is normalized to "/name/" form.
func New(c Catalog, prefix string) *Resolver {
	return &Resolver{catalog: c, prefix: catalog.FolderIdentifier(prefix)}
}

// Prefix returns the normalized managed prefix.
func (r *Resolver) Prefix() string { return r.prefix }

// Resolve resolves a percent-encoded request path. Errors are infrastructure
// failures and must be answered with 503.
func (r *Resolver) Resolve(ctx context.Context, escapedPath string) (Resolution, error) {
	res, err := r.resolve(ctx, escapedPath)
	if err != nil {
		metrics.RecordResolution("error")
		return Resolution{}, err
	}
	metrics.RecordResolution(res.Outcome.String())
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, escapedPath string) (Resolution, error) {
	target, err := url.PathUnescape(escapedPath)
	if err != nil {
		if r.under(escapedPath) {
			return Resolution{Outcome: NotFound}, nil
		}
		return Resolution{Outcome: NotManaged}, nil
	}
	if target == "/" || !r.under(target) {
		return Resolution{Outcome: NotManaged}, nil
	}
	// Under the prefix once normalized: anything not already canonical is
	// refused here rather than handed to the next handler.
	if !catalog.ValidIdentifier(target) || !strings.HasPrefix(target, r.prefix) {
		return Resolution{Outcome: NotFound}, nil
	}
	identifier := "/" + strings.TrimPrefix(target, r.prefix)
	if identifier == "/" || strings.HasSuffix(identifier, "/") {
		return Resolution{Outcome: NotFound}, nil
	}

	st, err := r.catalog.DefaultStorage(ctx)
	if err != nil {
		logging.WithContext(ctx).Error("default storage lookup failed", zap.Error(err))
		if !errors.Is(err, catalog.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", catalog.ErrStorageUnavailable, err)
		}
		return Resolution{}, err
	}

	ok, err := r.catalog.HasFile(ctx, st.ID, identifier)
	switch {
	case errors.Is(err, catalog.ErrInvalidIdentifier):
		return Resolution{Outcome: NotFound, Storage: st}, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("has file %s: %w", identifier, err)
	case !ok:
		return Resolution{Outcome: NotFound, Storage: st}, nil
	}

	file, err := r.catalog.GetFile(ctx, st.ID, identifier)
	switch {
	case errors.Is(err, catalog.ErrInvalidIdentifier), errors.Is(err, catalog.ErrNotFound):
		return Resolution{Outcome: NotFound, Storage: st}, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("get file %s: %w", identifier, err)
	}
	return Resolution{Outcome: Managed, File: file, Storage: st}, nil
}

// under reports whether p falls below the prefix after backslashes are
// read as separators and dot segments are collapsed.
func (r *Resolver) under(p string) bool {
	if r.prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	clean := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") {
		clean += "/"
	}
	return strings.HasPrefix(clean, r.prefix)
}
