package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML description of a catalog. It backs the in-memory
// catalog and seeds the persistent ones.
type Manifest struct {
	Storages []ManifestStorage `yaml:"storages"`
	Folders  []ManifestFolder  `yaml:"folders"`
	Files    []ManifestFile    `yaml:"files"`
}

// ManifestStorage describes a storage.
type ManifestStorage struct {
	ID               int    `yaml:"id"`
	Name             string `yaml:"name"`
	ProcessingFolder string `yaml:"processing_folder"`
	Default          bool   `yaml:"default"`
}

// ManifestFolder describes a folder and its frontend restriction.
type ManifestFolder struct {
	Storage        int    `yaml:"storage"`
	Identifier     string `yaml:"identifier"`
	FrontendGroups []int  `yaml:"frontend_groups"`
}

// ManifestFile describes a file. Original refers to another file's UID and
// marks this entry as a processed derivative.
type ManifestFile struct {
	UID            int64     `yaml:"uid"`
	Storage        int       `yaml:"storage"`
	Identifier     string    `yaml:"identifier"`
	Size           int64     `yaml:"size"`
	MimeType       string    `yaml:"mime_type"`
	Modified       time.Time `yaml:"modified"`
	SHA1           string    `yaml:"sha1"`
	FrontendGroups []int     `yaml:"frontend_groups"`
	Hidden         bool      `yaml:"hidden"`
	Original       int64     `yaml:"original"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks referential integrity of the manifest.
func (m *Manifest) Validate() error {
	storages := make(map[int]bool)
	for _, s := range m.Storages {
		if storages[s.ID] {
			return fmt.Errorf("storage %d: duplicate id", s.ID)
		}
		storages[s.ID] = true
	}
	for _, f := range m.Folders {
		if !storages[f.Storage] {
			return fmt.Errorf("folder %s: unknown storage %d", f.Identifier, f.Storage)
		}
		if !ValidIdentifier(f.Identifier) {
			return fmt.Errorf("folder %q: %w", f.Identifier, ErrInvalidIdentifier)
		}
	}

	byUID := make(map[int64]ManifestFile, len(m.Files))
	for _, f := range m.Files {
		if f.UID <= 0 {
			return fmt.Errorf("file %s: uid must be positive", f.Identifier)
		}
		if _, dup := byUID[f.UID]; dup {
			return fmt.Errorf("file %s: duplicate uid %d", f.Identifier, f.UID)
		}
		if !storages[f.Storage] {
			return fmt.Errorf("file %s: unknown storage %d", f.Identifier, f.Storage)
		}
		if !ValidIdentifier(f.Identifier) {
			return fmt.Errorf("file %q: %w", f.Identifier, ErrInvalidIdentifier)
		}
		byUID[f.UID] = f
	}
	for _, f := range m.Files {
		if f.Original == 0 {
			continue
		}
		orig, ok := byUID[f.Original]
		if !ok {
			return fmt.Errorf("file %s: unknown original %d", f.Identifier, f.Original)
		}
		if orig.Original != 0 {
			return fmt.Errorf("file %s: original %d is itself a derivative", f.Identifier, f.Original)
		}
	}
	return nil
}

// StorageRecord converts a manifest storage.
func (s ManifestStorage) StorageRecord() *Storage {
	pf := s.ProcessingFolder
	if pf == "" {
		pf = DefaultProcessingFolder
	}
	return &Storage{
		ID:               s.ID,
		Name:             s.Name,
		ProcessingFolder: FolderIdentifier(pf),
		IsDefault:        s.Default,
	}
}

// FolderRecord converts a manifest folder.
func (f ManifestFolder) FolderRecord() *Folder {
	id := FolderIdentifier(f.Identifier)
	return &Folder{
		StorageID:      f.Storage,
		Identifier:     id,
		Name:           BaseName(id),
		FrontendGroups: f.FrontendGroups,
	}
}

// FileRecord converts a manifest file. Original is left for the caller to link.
func (f ManifestFile) FileRecord() *File {
	return &File{
		UID:            f.UID,
		StorageID:      f.Storage,
		Identifier:     f.Identifier,
		Name:           BaseName(f.Identifier),
		Size:           f.Size,
		MimeType:       f.MimeType,
		ModTime:        f.Modified,
		SHA1:           f.SHA1,
		FrontendGroups: f.FrontendGroups,
		Hidden:         f.Hidden,
		Processed:      f.Original != 0,
	}
}
