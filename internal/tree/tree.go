// Package tree provides traversal utilities over catalog folder trees.
package tree

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/fileguard/internal/catalog"
)

// Lister lists the direct children of a folder.
type Lister interface {
	ListFiles(ctx context.Context, folder *catalog.Folder) ([]*catalog.File, error)
	ListSubfolders(ctx context.Context, folder *catalog.Folder) ([]*catalog.Folder, error)
}

// ContainsFile reports whether file is reachable below root (recursive).
// Files are matched by UID. Folders are visited at most once, and only
// folders on the path to the file's identifier are descended into.
func ContainsFile(ctx context.Context, l Lister, root *catalog.Folder, file *catalog.File) (bool, error) {
	if root == nil || file == nil || root.StorageID != file.StorageID {
		return false, nil
	}
	visited := make(map[string]bool)
	return containsFile(ctx, l, root, file, visited)
}

func containsFile(ctx context.Context, l Lister, folder *catalog.Folder, file *catalog.File, visited map[string]bool) (bool, error) {
	key := VisitKey(folder)
	if visited[key] {
		return false, nil
	}
	visited[key] = true

	if err := ctx.Err(); err != nil {
		return false, err
	}

	files, err := l.ListFiles(ctx, folder)
	if err != nil {
		return false, fmt.Errorf("list files %s: %w", folder.Identifier, err)
	}
	for _, f := range files {
		if f.UID == file.UID {
			return true, nil
		}
	}

	subs, err := l.ListSubfolders(ctx, folder)
	if err != nil {
		return false, fmt.Errorf("list subfolders %s: %w", folder.Identifier, err)
	}
	for _, sub := range subs {
		if sub.StorageID != file.StorageID || !strings.HasPrefix(file.Identifier, sub.Identifier) {
			continue
		}
		found, err := containsFile(ctx, l, sub, file, visited)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// VisitKey identifies a folder across storages ("storage:identifier").
func VisitKey(f *catalog.Folder) string {
	return strconv.Itoa(f.StorageID) + ":" + f.Identifier
}
