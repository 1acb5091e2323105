package smb

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestSMBReadsFromMount(t *testing.T) {
	mount := t.TempDir()
	if err := os.WriteFile(filepath.Join(mount, "f.bin"), []byte("share"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewFromJSON([]byte(`{"server":"//files/fileadmin","mount_path":"` + filepath.ToSlash(mount) + `"}`))
	if err != nil {
		t.Fatalf("NewFromJSON: %v", err)
	}
	if b.Type() != "smb" || b.Server() != "//files/fileadmin" {
		t.Errorf("unexpected backend %s %s", b.Type(), b.Server())
	}

	rc, _, err := b.GetObject(context.Background(), "f.bin", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "har" {
		t.Errorf("content = %q", got)
	}
}

func TestSMBRequiresMount(t *testing.T) {
	if _, err := New(Config{Server: "//files/x"}); err == nil {
		t.Error("expected error without mount path")
	}
}

func TestSMBMarkerDetectsUnmountedShare(t *testing.T) {
	mount := t.TempDir()
	marker := filepath.Join(mount, ".mounted")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mount, "f.bin"), []byte("share"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := New(Config{Server: "//files/fileadmin", MountPath: mount, Marker: ".mounted"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if ok, err := b.ObjectExists(ctx, "f.bin"); err != nil || !ok {
		t.Fatalf("ObjectExists = %v, %v", ok, err)
	}

	if err := os.Remove(marker); err != nil {
		t.Fatal(err)
	}
	_, _, err = b.GetObject(ctx, "f.bin", 0, 0)
	if !errors.Is(err, ErrShareOffline) {
		t.Fatalf("expected ErrShareOffline, got %v", err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Error("offline share must not look like a missing file")
	}
	if _, err := b.ObjectExists(ctx, "f.bin"); !errors.Is(err, ErrShareOffline) {
		t.Errorf("ObjectExists error = %v", err)
	}
}
