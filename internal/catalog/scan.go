package catalog

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Scan walks root and appends every regular file not yet in m to storage
// storageID. New files get UIDs above the highest existing one. It returns
// the number of files added.
func Scan(ctx context.Context, root string, storageID int, m *Manifest) (int, error) {
	known := make(map[string]bool, len(m.Files))
	var maxUID int64
	for _, f := range m.Files {
		if f.Storage == storageID {
			known[f.Identifier] = true
		}
		if f.UID > maxUID {
			maxUID = f.UID
		}
	}

	added := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		identifier := "/" + filepath.ToSlash(rel)
		if known[identifier] || !ValidIdentifier(identifier) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := sha1File(p)
		if err != nil {
			return err
		}
		mime := "application/octet-stream"
		if mt, err := mimetype.DetectFile(p); err == nil {
			mime = mt.String()
		}

		maxUID++
		m.Files = append(m.Files, ManifestFile{
			UID:        maxUID,
			Storage:    storageID,
			Identifier: identifier,
			Size:       info.Size(),
			MimeType:   mime,
			Modified:   info.ModTime().UTC(),
			SHA1:       sum,
		})
		added++
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("scan %s: %w", root, err)
	}
	return added, nil
}

func sha1File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
