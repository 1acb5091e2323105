package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func newBackend(t *testing.T) *LocalBackend {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{RootPath: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestGetObjectRanges(t *testing.T) {
	b := newBackend(t)
	tests := []struct {
		name           string
		offset, length int64
		want           string
	}{
		{"whole", 0, 0, "0123456789"},
		{"window", 2, 3, "234"},
		{"tail", 7, 0, "789"},
		{"length clamped", 8, 10, "89"},
		{"past end", 20, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, size, err := b.GetObject(context.Background(), "docs/a.txt", tt.offset, tt.length)
			if err != nil {
				t.Fatalf("GetObject: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
			if size != int64(len(tt.want)) {
				t.Errorf("size = %d, want %d", size, len(tt.want))
			}
		})
	}
}

func TestGetObjectMissing(t *testing.T) {
	b := newBackend(t)
	for _, key := range []string{"docs/missing.txt", "docs", "../etc/passwd"} {
		_, _, err := b.GetObject(context.Background(), key, 0, 0)
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("GetObject(%q) err = %v, want fs.ErrNotExist", key, err)
		}
	}
}

func TestObjectExists(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	if ok, err := b.ObjectExists(ctx, "docs/a.txt"); err != nil || !ok {
		t.Errorf("ObjectExists(a.txt) = %v, %v", ok, err)
	}
	if ok, _ := b.ObjectExists(ctx, "docs"); ok {
		t.Error("directories are not objects")
	}
	if ok, _ := b.ObjectExists(ctx, "../outside"); ok {
		t.Error("keys outside the root must not exist")
	}
}

func TestNewRejectsBadRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New(Config{RootPath: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("expected error for missing root")
	}
}
