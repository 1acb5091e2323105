package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/a.txt", true},
		{"/dir/sub/file name.pdf", true},
		{"/", true},
		{"", false},
		{"relative.txt", false},
		{"/a/../b", false},
		{"/a/./b", false},
		{"/..", false},
		{"/a//b", false},
		{"/a\x00b", false},
		{"/a\\b", false},
		{"/\xff\xfe", false},
	}
	for _, tt := range tests {
		if got := ValidIdentifier(tt.in); got != tt.want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFolderChain(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/a/b/c.txt", []string{"/a/b/", "/a/", "/"}},
		{"/c.txt", []string{"/"}},
		{"/a/b/", []string{"/a/", "/"}},
		{"/", nil},
	}
	for _, tt := range tests {
		if got := FolderChain(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("FolderChain(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDirectChild(t *testing.T) {
	tests := []struct {
		folder, child string
		want          bool
	}{
		{"/", "/a.txt", true},
		{"/", "/a/", true},
		{"/", "/a/b.txt", false},
		{"/a/", "/a/b.txt", true},
		{"/a/", "/a/", false},
		{"/a/", "/ab/c.txt", false},
	}
	for _, tt := range tests {
		if got := DirectChild(tt.folder, tt.child); got != tt.want {
			t.Errorf("DirectChild(%q, %q) = %v, want %v", tt.folder, tt.child, got, tt.want)
		}
	}
}

func TestIsWithinProcessingFolder(t *testing.T) {
	s := &Storage{ProcessingFolder: "_processed_"}
	if !s.IsWithinProcessingFolder("/_processed_/a/csm_x.png") {
		t.Error("expected derivative inside processing folder")
	}
	if s.IsWithinProcessingFolder("/_processed_x/a.png") {
		t.Error("sibling with shared prefix must not match")
	}
	if (&Storage{}).IsWithinProcessingFolder("/user_upload/a.png") {
		t.Error("default processing folder must not match ordinary files")
	}
}

func TestSource(t *testing.T) {
	orig := &File{UID: 1, Identifier: "/a.png"}
	if orig.Source() != orig {
		t.Error("original must govern itself")
	}
	derived := &File{UID: 2, Processed: true, Original: orig}
	if derived.Source() != orig {
		t.Error("derivative must defer to its original")
	}
	orphan := &File{UID: 3, Processed: true}
	if orphan.Source() != nil {
		t.Error("orphaned derivative must have no source")
	}
}

type folderGroups map[string][]int

func (f folderGroups) FolderGroups(_ context.Context, _ int, identifier string) ([]int, error) {
	return f[identifier], nil
}

type failingSource struct{}

func (failingSource) FolderGroups(context.Context, int, string) ([]int, error) {
	return nil, errors.New("db down")
}

func TestEvaluateAccess(t *testing.T) {
	ctx := context.Background()
	folders := folderGroups{"/members/": {7}}

	tests := []struct {
		name       string
		file       *File
		groups     []int
		wantOK     bool
		wantMaxAge int
	}{
		{"public", &File{Identifier: "/pub/a.pdf"}, nil, true, 3600},
		{"hidden", &File{Identifier: "/pub/a.pdf", Hidden: true}, []int{7}, false, 3600},
		{"file restriction met", &File{Identifier: "/pub/a.pdf", FrontendGroups: []int{1, 2}}, []int{2}, true, 0},
		{"file restriction unmet", &File{Identifier: "/pub/a.pdf", FrontendGroups: []int{1}}, []int{2}, false, 0},
		{"folder restriction anonymous", &File{Identifier: "/members/sub/a.pdf"}, nil, false, 0},
		{"folder restriction met", &File{Identifier: "/members/sub/a.pdf"}, []int{7}, true, 0},
		{"both restrictions one unmet", &File{Identifier: "/members/a.pdf", FrontendGroups: []int{1}}, []int{7}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, maxAge, err := EvaluateAccess(ctx, folders, tt.file, tt.groups, 3600)
			if err != nil {
				t.Fatalf("EvaluateAccess: %v", err)
			}
			if ok != tt.wantOK || maxAge != tt.wantMaxAge {
				t.Errorf("got (%v, %d), want (%v, %d)", ok, maxAge, tt.wantOK, tt.wantMaxAge)
			}
		})
	}
}

func TestEvaluateAccessError(t *testing.T) {
	ok, _, err := EvaluateAccess(context.Background(), failingSource{}, &File{Identifier: "/a/b.txt"}, nil, 60)
	if err == nil || ok {
		t.Fatalf("expected denial with error, got ok=%v err=%v", ok, err)
	}
}

func TestParseManifest(t *testing.T) {
	data := []byte(`
storages:
  - id: 1
    name: fileadmin
    default: true
folders:
  - storage: 1
    identifier: /members
    frontend_groups: [3]
files:
  - uid: 10
    storage: 1
    identifier: /members/report.pdf
    size: 12
    mime_type: application/pdf
  - uid: 11
    storage: 1
    identifier: /_processed_/csm_report.png
    original: 10
`)
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if got := m.Storages[0].StorageRecord().ProcessingFolder; got != DefaultProcessingFolder {
		t.Errorf("processing folder = %q, want default", got)
	}
	if got := m.Folders[0].FolderRecord().Identifier; got != "/members/" {
		t.Errorf("folder identifier = %q", got)
	}
	if !m.Files[1].FileRecord().Processed {
		t.Error("file with original must be processed")
	}
}

func TestManifestValidate(t *testing.T) {
	storages := []ManifestStorage{{ID: 1, Default: true}}
	tests := []struct {
		name string
		m    Manifest
	}{
		{"duplicate storage", Manifest{Storages: []ManifestStorage{{ID: 1}, {ID: 1}}}},
		{"unknown storage", Manifest{Storages: storages, Files: []ManifestFile{{UID: 1, Storage: 2, Identifier: "/a"}}}},
		{"bad identifier", Manifest{Storages: storages, Files: []ManifestFile{{UID: 1, Storage: 1, Identifier: "/../a"}}}},
		{"duplicate uid", Manifest{Storages: storages, Files: []ManifestFile{
			{UID: 1, Storage: 1, Identifier: "/a"},
			{UID: 1, Storage: 1, Identifier: "/b"},
		}}},
		{"missing original", Manifest{Storages: storages, Files: []ManifestFile{{UID: 1, Storage: 1, Identifier: "/a", Original: 9}}}},
		{"chained derivative", Manifest{Storages: storages, Files: []ManifestFile{
			{UID: 1, Storage: 1, Identifier: "/a"},
			{UID: 2, Storage: 1, Identifier: "/b", Original: 1},
			{UID: 3, Storage: 1, Identifier: "/c", Original: 2},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	write := func(rel string, data string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("docs/a.txt", "hello")
	write("docs/known.pdf", "%PDF-1.4")
	write(".git/config", "x")
	write("docs/.hidden", "x")

	m := &Manifest{
		Storages: []ManifestStorage{{ID: 1, Name: "fileadmin", Default: true}},
		Files:    []ManifestFile{{UID: 7, Storage: 1, Identifier: "/docs/known.pdf"}},
	}
	added, err := Scan(context.Background(), root, 1, m)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 || len(m.Files) != 2 {
		t.Fatalf("added=%d files=%d, want 1 and 2", added, len(m.Files))
	}
	f := m.Files[1]
	if f.UID != 8 || f.Identifier != "/docs/a.txt" || f.Size != 5 {
		t.Errorf("unexpected entry %+v", f)
	}
	if f.SHA1 != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Errorf("sha1 = %s", f.SHA1)
	}
	if !strings.HasPrefix(f.MimeType, "text/plain") {
		t.Errorf("mime = %s", f.MimeType)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("scanned manifest invalid: %v", err)
	}
}
