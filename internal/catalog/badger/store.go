// Package badger implements a persistent catalog on an embedded BadgerDB.
//
// Key layout:
//
//	s:<storage id, 10 digits>                 -> storage JSON
//	d:<storage>:<parent>\x00<name>/           -> folder JSON
//	d:<storage>:root                          -> root folder JSON
//	f:<storage>:<parent>\x00<name>            -> file JSON
//	u:<uid>                                   -> file key
//
// Children of a folder share the prefix "<kind>:<storage>:<folder>\x00", so a
// directory listing is a single prefix scan.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/metrics"
)

const backendName = "badger"

// Store is a BadgerDB-backed catalog.
type Store struct {
	db *badger.DB
}

type fileRecord struct {
	catalog.File
	OriginalUID int64 `json:"original_uid,omitempty"`
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)
	return open(opts)
}

// OpenInMemory opens a throwaway catalog that lives in RAM.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", opts.Dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- keys ---

func keyStorage(id int) []byte {
	return []byte(fmt.Sprintf("s:%010d", id))
}

func keyFile(storage int, identifier string) []byte {
	parent := catalog.ParentFolder(identifier)
	return []byte(fmt.Sprintf("f:%d:%s\x00%s", storage, parent, catalog.BaseName(identifier)))
}

func keyFolder(storage int, identifier string) []byte {
	if identifier == "/" {
		return []byte(fmt.Sprintf("d:%d:root", storage))
	}
	parent := catalog.ParentFolder(identifier)
	return []byte(fmt.Sprintf("d:%d:%s\x00%s/", storage, parent, catalog.BaseName(identifier)))
}

func keyChildPrefix(kind byte, storage int, folder string) []byte {
	return []byte(fmt.Sprintf("%c:%d:%s\x00", kind, storage, folder))
}

func keyUID(uid int64) []byte {
	return []byte("u:" + strconv.FormatInt(uid, 10))
}

// --- writes ---

// PutStorage inserts or replaces a storage record.
func (s *Store) PutStorage(ctx context.Context, st *catalog.Storage) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyStorage(st.ID), data)
	})
}

// PutFolder inserts or replaces a folder, creating missing ancestors.
func (s *Store) PutFolder(ctx context.Context, f *catalog.Folder) error {
	f.Identifier = catalog.FolderIdentifier(f.Identifier)
	f.Name = catalog.BaseName(f.Identifier)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ensureFolders(txn, f.StorageID, catalog.FolderChain(f.Identifier)); err != nil {
			return err
		}
		return setJSON(txn, keyFolder(f.StorageID, f.Identifier), f)
	})
}

// PutFile inserts or replaces a file. originalUID links a processed
// derivative to its original and must already be stored.
func (s *Store) PutFile(ctx context.Context, f *catalog.File, originalUID int64) error {
	if !catalog.ValidIdentifier(f.Identifier) {
		return catalog.ErrInvalidIdentifier
	}
	f.Name = catalog.BaseName(f.Identifier)
	f.Processed = originalUID != 0
	rec := fileRecord{File: *f, OriginalUID: originalUID}
	rec.Original = nil

	return s.db.Update(func(txn *badger.Txn) error {
		if originalUID != 0 {
			if _, err := txn.Get(keyUID(originalUID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("original %d: %w", originalUID, catalog.ErrNotFound)
				}
				return err
			}
		}
		parent := catalog.ParentFolder(f.Identifier)
		chain := append([]string{parent}, catalog.FolderChain(parent)...)
		if err := ensureFolders(txn, f.StorageID, chain); err != nil {
			return err
		}
		key := keyFile(f.StorageID, f.Identifier)
		if err := setJSON(txn, key, &rec); err != nil {
			return err
		}
		return txn.Set(keyUID(f.UID), key)
	})
}

// Import loads every record of a manifest. Originals are written before
// their derivatives.
func (s *Store) Import(ctx context.Context, m *catalog.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for _, ms := range m.Storages {
		if err := s.PutStorage(ctx, ms.StorageRecord()); err != nil {
			return fmt.Errorf("storage %d: %w", ms.ID, err)
		}
	}
	for _, mf := range m.Folders {
		if err := s.PutFolder(ctx, mf.FolderRecord()); err != nil {
			return fmt.Errorf("folder %s: %w", mf.Identifier, err)
		}
	}
	for _, pass := range []bool{false, true} {
		for _, mf := range m.Files {
			if (mf.Original != 0) != pass {
				continue
			}
			if err := s.PutFile(ctx, mf.FileRecord(), mf.Original); err != nil {
				return fmt.Errorf("file %s: %w", mf.Identifier, err)
			}
		}
	}
	return nil
}

func ensureFolders(txn *badger.Txn, storage int, identifiers []string) error {
	for _, id := range identifiers {
		key := keyFolder(storage, id)
		_, err := txn.Get(key)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, key, &catalog.Folder{StorageID: storage, Identifier: id, Name: catalog.BaseName(id)}); err != nil {
			return err
		}
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return catalog.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// --- reads ---

// DefaultStorage returns the default storage with the lowest ID.
func (s *Store) DefaultStorage(ctx context.Context) (*catalog.Storage, error) {
	defer observe("default_storage", time.Now())

	var found *catalog.Storage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("s:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st catalog.Storage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			if st.IsDefault {
				found = &st
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrStorageUnavailable, err)
	}
	if found == nil {
		return nil, catalog.ErrStorageUnavailable
	}
	return found, nil
}

// HasFile reports whether identifier is a file in the storage.
func (s *Store) HasFile(ctx context.Context, storageID int, identifier string) (bool, error) {
	if !catalog.ValidIdentifier(identifier) {
		return false, catalog.ErrInvalidIdentifier
	}
	defer observe("has_file", time.Now())

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyFile(storageID, identifier))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetFile loads a file and, for processed files, its original.
func (s *Store) GetFile(ctx context.Context, storageID int, identifier string) (*catalog.File, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	defer observe("get_file", time.Now())

	var file *catalog.File
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		file, err = loadFile(txn, keyFile(storageID, identifier))
		return err
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func loadFile(txn *badger.Txn, key []byte) (*catalog.File, error) {
	var rec fileRecord
	if err := getJSON(txn, key, &rec); err != nil {
		return nil, err
	}
	file := rec.File
	if rec.OriginalUID == 0 {
		return &file, nil
	}

	item, err := txn.Get(keyUID(rec.OriginalUID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		// Dangling derivative: left without Original so it is never served.
		return &file, nil
	}
	if err != nil {
		return nil, err
	}
	origKey, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var orig fileRecord
	if err := getJSON(txn, origKey, &orig); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return &file, nil
		}
		return nil, err
	}
	file.Original = &orig.File
	return &file, nil
}

// GetFolder returns the folder at identifier or catalog.ErrNotFound.
func (s *Store) GetFolder(ctx context.Context, storageID int, identifier string) (*catalog.Folder, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	defer observe("get_folder", time.Now())

	var folder catalog.Folder
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyFolder(storageID, catalog.FolderIdentifier(identifier)), &folder)
	})
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

// ListFiles returns the files directly inside folder.
func (s *Store) ListFiles(ctx context.Context, folder *catalog.Folder) ([]*catalog.File, error) {
	defer observe("list_files", time.Now())

	var out []*catalog.File
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyChildPrefix('f', folder.StorageID, folder.Identifier)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := loadFile(txn, it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// ListSubfolders returns the folders directly inside folder.
func (s *Store) ListSubfolders(ctx context.Context, folder *catalog.Folder) ([]*catalog.Folder, error) {
	defer observe("list_subfolders", time.Now())

	var out []*catalog.Folder
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyChildPrefix('d', folder.StorageID, folder.Identifier)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var f catalog.Folder
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return err
			}
			out = append(out, &f)
		}
		return nil
	})
	return out, err
}

// FolderGroups returns the frontend groups required by a folder.
func (s *Store) FolderGroups(ctx context.Context, storageID int, identifier string) ([]int, error) {
	var folder catalog.Folder
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyFolder(storageID, identifier), &folder)
	})
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return folder.FrontendGroups, nil
}

// EvaluateFileAccess applies file and folder group restrictions.
func (s *Store) EvaluateFileAccess(ctx context.Context, file *catalog.File, groupIDs []int, maxAge int) (bool, int, error) {
	defer observe("evaluate_access", time.Now())
	return catalog.EvaluateAccess(ctx, s, file, groupIDs, maxAge)
}

func observe(query string, start time.Time) {
	metrics.RecordCatalogQuery(backendName, query, time.Since(start))
}

