package catalog

import (
	"context"
	"fmt"
)

// RestrictionSource exposes folder restrictions to EvaluateAccess.
type RestrictionSource interface {
	// FolderGroups returns the frontend groups a folder is restricted to, or
	// nil when the folder is unrestricted or not catalogued.
	FolderGroups(ctx context.Context, storageID int, identifier string) ([]int, error)
}

// EvaluateAccess is the frontend permission check shared by all catalog
// implementations. A restriction on the file or on any enclosing folder must
// be satisfied by at least one of groupIDs. Restricted content is never
// publicly cacheable, so its max-age drops to 0 whatever the outcome.
func EvaluateAccess(ctx context.Context, src RestrictionSource, file *File, groupIDs []int, maxAge int) (bool, int, error) {
	if file.Hidden {
		return false, maxAge, nil
	}

	restricted := false
	if len(file.FrontendGroups) > 0 {
		restricted = true
		if !intersects(file.FrontendGroups, groupIDs) {
			return false, 0, nil
		}
	}

	for _, folder := range FolderChain(file.Identifier) {
		groups, err := src.FolderGroups(ctx, file.StorageID, folder)
		if err != nil {
			return false, maxAge, fmt.Errorf("folder restrictions %s: %w", folder, err)
		}
		if len(groups) == 0 {
			continue
		}
		restricted = true
		if !intersects(groups, groupIDs) {
			return false, 0, nil
		}
	}

	if restricted {
		maxAge = 0
	}
	return true, maxAge, nil
}

func intersects(required, held []int) bool {
	for _, r := range required {
		for _, h := range held {
			if r == h {
				return true
			}
		}
	}
	return false
}
