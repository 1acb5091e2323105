// Package smb serves bytes from an SMB/CIFS share mounted by the OS
// (mount.cifs or fstab). Reads go through the local backend at the mount point.
//
// An unmounted share usually leaves an empty directory behind, which would
// turn every catalog hit into a 404. When Marker is set, the backend checks
// for that file first and reports ErrShareOffline if it is gone.
package smb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fruitsalade/fileguard/internal/storage/local"
)

// ErrShareOffline means the mount point exists but the share is not mounted.
var ErrShareOffline = errors.New("smb share offline")

// Config holds SMB backend settings.
type Config struct {
	Server    string `json:"server"`           // e.g. //fileserver/fileadmin, informational
	MountPath string `json:"mount_path"`       // local mount point of the share
	Marker    string `json:"marker,omitempty"` // file relative to MountPath present only when mounted
}

// SMBBackend reads through a LocalBackend rooted at the mount point.
type SMBBackend struct {
	files  *local.LocalBackend
	server string
	marker string
}

// New creates an SMB backend. The mount point must exist.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{RootPath: cfg.MountPath})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}

	b := &SMBBackend{files: lb, server: cfg.Server}
	if cfg.Marker != "" {
		b.marker = filepath.Join(lb.Root(), filepath.FromSlash(cfg.Marker))
	}
	return b, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

func (b *SMBBackend) online() error {
	if b.marker == "" {
		return nil
	}
	if _, err := os.Stat(b.marker); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShareOffline, b.server, err)
	}
	return nil
}

// GetObject reads a byte range from the share.
func (b *SMBBackend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	if err := b.online(); err != nil {
		return nil, 0, err
	}
	return b.files.GetObject(ctx, key, offset, length)
}

// ObjectExists reports whether key is present on the share.
func (b *SMBBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	if err := b.online(); err != nil {
		return false, err
	}
	return b.files.ObjectExists(ctx, key)
}

// Server returns the configured share path.
func (b *SMBBackend) Server() string { return b.server }

// Type returns "smb".
func (b *SMBBackend) Type() string { return "smb" }

// Close is a no-op; the OS owns the mount.
func (b *SMBBackend) Close() error { return nil }
