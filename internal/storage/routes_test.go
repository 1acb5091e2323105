package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/fileguard/internal/logging"
)

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]byte(`
routes:
  - storage: 2
    type: s3
    config:
      bucket: archive
      region: eu-central-1
  - storage: 3
    type: smb
    config: {mount_path: /mnt/share, marker: .mounted}
`))
	if err != nil {
		t.Fatalf("ParseRoutes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("got %d routes", len(routes))
	}
	if routes[0].Storage != 2 || routes[0].Type != "s3" || routes[0].Config["bucket"] != "archive" {
		t.Errorf("route 0 = %+v", routes[0])
	}
	if routes[1].Config["marker"] != ".mounted" {
		t.Errorf("route 1 = %+v", routes[1])
	}
}

func TestParseRoutesRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown type":   "routes: [{storage: 2, type: ftp, config: {a: b}}]",
		"no storage":     "routes: [{type: local, config: {root_path: /x}}]",
		"no config":      "routes: [{storage: 2, type: local}]",
		"duplicate":      "routes: [{storage: 2, type: local, config: {root_path: /x}}, {storage: 2, type: local, config: {root_path: /y}}]",
		"malformed yaml": "routes: [",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRoutes([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRouterApply(t *testing.T) {
	logging.InitNop()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("archived"), 0644); err != nil {
		t.Fatal(err)
	}
	routesPath := filepath.Join(t.TempDir(), "routes.yaml")
	doc := "routes:\n  - storage: 2\n    type: local\n    config:\n      root_path: " + filepath.ToSlash(dir) + "\n"
	if err := os.WriteFile(routesPath, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	routes, err := LoadRoutes(routesPath)
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	r := NewRouter()
	defer r.Close()
	fallback := &fakeBackend{name: "fallback"}
	r.SetFallback(fallback)
	if err := r.Apply(context.Background(), routes); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	b, err := r.Resolve(2)
	if err != nil || b.Type() != "local" {
		t.Fatalf("Resolve(2) = %v, %v", b, err)
	}
	rc, _, err := b.GetObject(context.Background(), "a.txt", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "archived" {
		t.Errorf("content = %q", got)
	}
	if b, _ := r.Resolve(1); b != fallback {
		t.Error("unrouted storage must use fallback")
	}

	bad := []Route{{Storage: 3, Type: "local", Config: map[string]any{"root_path": filepath.Join(dir, "missing")}}}
	if err := r.Apply(context.Background(), bad); err == nil || !strings.Contains(err.Error(), "storage 3") {
		t.Errorf("expected storage 3 error, got %v", err)
	}
}

type statBackend struct {
	fakeBackend
	err error
}

func (p *statBackend) ObjectExists(context.Context, string) (bool, error) { return false, p.err }

func TestRouterCheck(t *testing.T) {
	logging.InitNop()
	r := NewRouter()
	ctx := context.Background()

	if err := r.Check(ctx, 1, ".health"); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}

	r.Register(1, &statBackend{})
	if err := r.Check(ctx, 1, ".health"); err != nil {
		t.Errorf("missing health object must not fail: %v", err)
	}

	offline := errors.New("share offline")
	r.Register(2, &statBackend{err: offline})
	if err := r.Check(ctx, 2, ".health"); !errors.Is(err, offline) {
		t.Errorf("expected offline error, got %v", err)
	}
}
