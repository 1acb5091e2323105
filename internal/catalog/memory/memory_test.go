package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/fileguard/internal/catalog"
)

const manifest = `
storages:
  - id: 1
    name: fileadmin
    default: true
  - id: 2
    name: archive
folders:
  - storage: 1
    identifier: /members/
    frontend_groups: [5]
files:
  - uid: 1
    storage: 1
    identifier: /pub/a.pdf
    size: 10
  - uid: 2
    storage: 1
    identifier: /pub/deep/b.pdf
  - uid: 3
    storage: 1
    identifier: /members/c.pdf
  - uid: 4
    storage: 1
    identifier: /_processed_/pub/csm_a.png
    original: 1
`

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestDefaultStorage(t *testing.T) {
	s := newStore(t)
	st, err := s.DefaultStorage(context.Background())
	if err != nil {
		t.Fatalf("DefaultStorage: %v", err)
	}
	if st.ID != 1 || st.ProcessingFolder != "/_processed_/" {
		t.Errorf("unexpected storage %+v", st)
	}

	empty, err := New(&catalog.Manifest{Storages: []catalog.ManifestStorage{{ID: 3}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := empty.DefaultStorage(context.Background()); !errors.Is(err, catalog.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestGetFile(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ok, err := s.HasFile(ctx, 1, "/pub/a.pdf")
	if err != nil || !ok {
		t.Fatalf("HasFile = %v, %v", ok, err)
	}
	if ok, _ := s.HasFile(ctx, 2, "/pub/a.pdf"); ok {
		t.Error("file must be scoped to its storage")
	}
	if _, err := s.GetFile(ctx, 1, "/pub/missing.pdf"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetFile(ctx, 1, "/pub/../a.pdf"); !errors.Is(err, catalog.ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}

	derived, err := s.GetFile(ctx, 1, "/_processed_/pub/csm_a.png")
	if err != nil {
		t.Fatal(err)
	}
	if !derived.Processed || derived.Original == nil || derived.Original.UID != 1 {
		t.Errorf("derivative not linked to original: %+v", derived)
	}
}

func TestListing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	root, err := s.GetFolder(ctx, 1, "/")
	if err != nil {
		t.Fatal(err)
	}
	subs, err := s.ListSubfolders(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range subs {
		names = append(names, f.Identifier)
	}
	want := []string{"/_processed_/", "/members/", "/pub/"}
	if len(names) != len(want) {
		t.Fatalf("subfolders = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("subfolders[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	pub, err := s.GetFolder(ctx, 1, "/pub")
	if err != nil {
		t.Fatal(err)
	}
	files, err := s.ListFiles(ctx, pub)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Identifier != "/pub/a.pdf" {
		t.Errorf("ListFiles(/pub/) = %v", files)
	}
}

func TestEvaluateFileAccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	f, err := s.GetFile(ctx, 1, "/members/c.pdf")
	if err != nil {
		t.Fatal(err)
	}

	if ok, maxAge, _ := s.EvaluateFileAccess(ctx, f, nil, 100); ok || maxAge != 0 {
		t.Errorf("anonymous: got (%v, %d)", ok, maxAge)
	}
	if ok, maxAge, _ := s.EvaluateFileAccess(ctx, f, []int{5}, 100); !ok || maxAge != 0 {
		t.Errorf("member: got (%v, %d)", ok, maxAge)
	}

	pub, _ := s.GetFile(ctx, 1, "/pub/a.pdf")
	if ok, maxAge, _ := s.EvaluateFileAccess(ctx, pub, nil, 100); !ok || maxAge != 100 {
		t.Errorf("public: got (%v, %d)", ok, maxAge)
	}
}

func TestReloadRejectsDuplicateIdentifier(t *testing.T) {
	m := &catalog.Manifest{
		Storages: []catalog.ManifestStorage{{ID: 1, Default: true}},
		Files: []catalog.ManifestFile{
			{UID: 1, Storage: 1, Identifier: "/a"},
			{UID: 2, Storage: 1, Identifier: "/a"},
		},
	}
	if _, err := New(m); err == nil {
		t.Error("expected duplicate identifier error")
	}
}
