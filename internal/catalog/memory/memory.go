// Package memory implements an in-memory catalog built from a YAML manifest.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fruitsalade/fileguard/internal/catalog"
)

type key struct {
	storage    int
	identifier string
}

// Store is an immutable catalog snapshot. Reload swaps in a new manifest.
type Store struct {
	mu       sync.RWMutex
	storages map[int]*catalog.Storage
	files    map[key]*catalog.File
	folders  map[key]*catalog.Folder
}

// New builds a catalog from a validated manifest. Folders that hold files but
// are not listed are created without restrictions.
func New(m *catalog.Manifest) (*Store, error) {
	s := &Store{}
	if err := s.Reload(m); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads a manifest file and builds a catalog from it.
func Open(path string) (*Store, error) {
	m, err := catalog.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return New(m)
}

// Reload replaces the catalog contents.
func (s *Store) Reload(m *catalog.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	storages := make(map[int]*catalog.Storage, len(m.Storages))
	for _, ms := range m.Storages {
		storages[ms.ID] = ms.StorageRecord()
	}

	folders := make(map[key]*catalog.Folder)
	ensure := func(storage int, identifier string) {
		for _, id := range append([]string{identifier}, catalog.FolderChain(identifier)...) {
			k := key{storage, id}
			if _, ok := folders[k]; !ok {
				folders[k] = &catalog.Folder{StorageID: storage, Identifier: id, Name: catalog.BaseName(id)}
			}
		}
	}
	for _, st := range storages {
		ensure(st.ID, "/")
	}
	for _, mf := range m.Folders {
		f := mf.FolderRecord()
		folders[key{f.StorageID, f.Identifier}] = f
		ensure(f.StorageID, f.Identifier)
	}

	files := make(map[key]*catalog.File, len(m.Files))
	byUID := make(map[int64]*catalog.File, len(m.Files))
	for _, mf := range m.Files {
		f := mf.FileRecord()
		k := key{f.StorageID, f.Identifier}
		if _, dup := files[k]; dup {
			return fmt.Errorf("file %s: duplicate identifier in storage %d", f.Identifier, f.StorageID)
		}
		files[k] = f
		byUID[f.UID] = f
		ensure(f.StorageID, catalog.ParentFolder(f.Identifier))
	}
	for _, mf := range m.Files {
		if mf.Original != 0 {
			byUID[mf.UID].Original = byUID[mf.Original]
		}
	}

	s.mu.Lock()
	s.storages, s.files, s.folders = storages, files, folders
	s.mu.Unlock()
	return nil
}

// DefaultStorage returns the default storage with the lowest ID.
func (s *Store) DefaultStorage(ctx context.Context) (*catalog.Storage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *catalog.Storage
	for _, st := range s.storages {
		if st.IsDefault && (best == nil || st.ID < best.ID) {
			best = st
		}
	}
	if best == nil {
		return nil, catalog.ErrStorageUnavailable
	}
	cp := *best
	return &cp, nil
}

// HasFile reports whether identifier is a file in the storage.
func (s *Store) HasFile(ctx context.Context, storageID int, identifier string) (bool, error) {
	if !catalog.ValidIdentifier(identifier) {
		return false, catalog.ErrInvalidIdentifier
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[key{storageID, identifier}]
	return ok, nil
}

// GetFile returns the file at identifier or catalog.ErrNotFound.
func (s *Store) GetFile(ctx context.Context, storageID int, identifier string) (*catalog.File, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[key{storageID, identifier}]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return f, nil
}

// GetFolder returns the folder at identifier or catalog.ErrNotFound.
func (s *Store) GetFolder(ctx context.Context, storageID int, identifier string) (*catalog.Folder, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[key{storageID, catalog.FolderIdentifier(identifier)}]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return f, nil
}

// ListFiles returns the files directly inside folder, sorted by identifier.
func (s *Store) ListFiles(ctx context.Context, folder *catalog.Folder) ([]*catalog.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.File
	for k, f := range s.files {
		if k.storage == folder.StorageID && catalog.DirectChild(folder.Identifier, k.identifier) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// ListSubfolders returns the folders directly inside folder, sorted by identifier.
func (s *Store) ListSubfolders(ctx context.Context, folder *catalog.Folder) ([]*catalog.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Folder
	for k, f := range s.folders {
		if k.storage == folder.StorageID && catalog.DirectChild(folder.Identifier, k.identifier) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// FolderGroups returns the frontend groups required by a folder, nil when unrestricted.
func (s *Store) FolderGroups(ctx context.Context, storageID int, identifier string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.folders[key{storageID, identifier}]; ok {
		return f.FrontendGroups, nil
	}
	return nil, nil
}

// EvaluateFileAccess applies the manifest's group restrictions.
func (s *Store) EvaluateFileAccess(ctx context.Context, file *catalog.File, groupIDs []int, maxAge int) (bool, int, error) {
	return catalog.EvaluateAccess(ctx, s, file, groupIDs, maxAge)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
