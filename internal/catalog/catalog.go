// Package catalog defines the file catalog consulted by the interceptor: which
// files exist in which storage, how folders nest, and which frontend groups a
// file or folder is restricted to. Byte access lives in package storage.
package catalog

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when a file or folder is not in the catalog.
	ErrNotFound = errors.New("not found")

	// ErrInvalidIdentifier is returned for identifiers the catalog refuses to
	// look up at all (dot segments, NUL bytes, broken UTF-8, ...).
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrStorageUnavailable is returned when no usable default storage is
	// configured or the catalog backend cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DefaultProcessingFolder is where derivatives (thumbnails, crops) are written.
const DefaultProcessingFolder = "/_processed_/"

// Storage is a file storage record.
type Storage struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	ProcessingFolder string `json:"processing_folder"`
	IsDefault        bool   `json:"is_default"`
}

// IsWithinProcessingFolder reports whether identifier lies in the storage's
// derivative zone.
func (s *Storage) IsWithinProcessingFolder(identifier string) bool {
	pf := s.ProcessingFolder
	if pf == "" {
		pf = DefaultProcessingFolder
	}
	return strings.HasPrefix(identifier, FolderIdentifier(pf))
}

// File is a managed file. Processed derivatives carry their original.
type File struct {
	UID            int64     `json:"uid"`
	StorageID      int       `json:"storage_id"`
	Identifier     string    `json:"identifier"`
	Name           string    `json:"name"`
	Size           int64     `json:"size"`
	MimeType       string    `json:"mime_type"`
	ModTime        time.Time `json:"mtime"`
	SHA1           string    `json:"sha1,omitempty"`
	FrontendGroups []int     `json:"frontend_groups,omitempty"`
	Hidden         bool      `json:"hidden,omitempty"`
	Processed      bool      `json:"processed,omitempty"`
	Original       *File     `json:"-"`
}

// Key returns the object key used by byte backends.
func (f *File) Key() string {
	return strings.TrimPrefix(f.Identifier, "/")
}

// Source returns the file whose permissions govern f: the original for a
// processed derivative, f itself otherwise. Nil means the derivative lost its
// original and must not be served.
func (f *File) Source() *File {
	if !f.Processed {
		return f
	}
	if f.Original == nil || f.Original.Processed {
		return nil
	}
	return f.Original
}

// Folder is a folder node. Identifiers always end with a slash.
type Folder struct {
	StorageID      int    `json:"storage_id"`
	Identifier     string `json:"identifier"`
	Name           string `json:"name"`
	FrontendGroups []int  `json:"frontend_groups,omitempty"`
}

// Catalog is the storage abstraction consulted by the resolver and the
// access engine. Implementations must be safe for concurrent use.
type Catalog interface {
	// DefaultStorage returns the storage that serves the managed prefix.
	DefaultStorage(ctx context.Context) (*Storage, error)

	// HasFile reports whether identifier is a file in the storage.
	HasFile(ctx context.Context, storageID int, identifier string) (bool, error)

	// GetFile loads a file; processed files come with Original populated.
	GetFile(ctx context.Context, storageID int, identifier string) (*File, error)

	// GetFolder loads a folder by identifier.
	GetFolder(ctx context.Context, storageID int, identifier string) (*Folder, error)

	// ListFiles returns the direct child files of folder, ordered by identifier.
	ListFiles(ctx context.Context, folder *Folder) ([]*File, error)

	// ListSubfolders returns the direct child folders, ordered by identifier.
	ListSubfolders(ctx context.Context, folder *Folder) ([]*Folder, error)

	// EvaluateFileAccess applies file and folder group restrictions for a
	// frontend caller holding groupIDs. It returns the verdict and the cache
	// lifetime to use, which may be lower than maxAge.
	EvaluateFileAccess(ctx context.Context, file *File, groupIDs []int, maxAge int) (bool, int, error)

	// Close releases the catalog's resources.
	Close() error
}

// ValidIdentifier reports whether identifier is an absolute, clean path.
func ValidIdentifier(identifier string) bool {
	if identifier == "" || identifier[0] != '/' {
		return false
	}
	if !utf8.ValidString(identifier) || strings.ContainsAny(identifier, "\x00\\") {
		return false
	}
	for _, seg := range strings.Split(identifier[1:], "/") {
		if seg == "." || seg == ".." {
			return false
		}
	}
	return !strings.Contains(identifier, "//")
}

// FolderIdentifier normalizes a folder path to "/a/b/" form.
func FolderIdentifier(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return p
	}
	return p + "/"
}

// ParentFolder returns the identifier of the folder holding identifier.
func ParentFolder(identifier string) string {
	return FolderIdentifier(path.Dir(strings.TrimSuffix(identifier, "/")))
}

// FolderChain returns the folders enclosing identifier, innermost first.
// "/a/b/c.txt" -> ["/a/b/", "/a/", "/"]
func FolderChain(identifier string) []string {
	var chain []string
	cur := identifier
	for cur != "/" {
		cur = ParentFolder(cur)
		chain = append(chain, cur)
	}
	return chain
}

// BaseName returns the last element of an identifier.
func BaseName(identifier string) string {
	return path.Base(strings.TrimSuffix(identifier, "/"))
}

// DirectChild reports whether child sits immediately below folder.
func DirectChild(folder, child string) bool {
	if child == folder || !strings.HasPrefix(child, folder) {
		return false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(child, folder), "/")
	return rest != "" && !strings.Contains(rest, "/")
}
