package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/storage/local"
)

type fakeBackend struct {
	name   string
	closed int
}

func (f *fakeBackend) GetObject(context.Context, string, int64, int64) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader(f.name)), int64(len(f.name)), nil
}
func (f *fakeBackend) ObjectExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeBackend) Type() string { return "fake" }
func (f *fakeBackend) Close() error {
	f.closed++
	return nil
}

func TestRouterResolve(t *testing.T) {
	logging.InitNop()
	r := NewRouter()

	if _, err := r.Resolve(1); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}

	fallback := &fakeBackend{name: "fallback"}
	primary := &fakeBackend{name: "primary"}
	r.SetFallback(fallback)
	r.Register(1, primary)

	if b, _ := r.Resolve(1); b != primary {
		t.Error("explicit binding must win")
	}
	if b, _ := r.Resolve(2); b != fallback {
		t.Error("unbound storage must use fallback")
	}
}

func TestRouterRegisterReplacesAndCloses(t *testing.T) {
	logging.InitNop()
	r := NewRouter()
	old := &fakeBackend{name: "old"}
	shared := &fakeBackend{name: "shared"}

	r.Register(1, old)
	r.Register(1, &fakeBackend{name: "new"})
	if old.closed != 1 {
		t.Errorf("replaced backend closed %d times, want 1", old.closed)
	}

	r.SetFallback(shared)
	r.Register(2, shared)
	r.Register(2, &fakeBackend{name: "other"})
	if shared.closed != 0 {
		t.Error("backend still used as fallback must stay open")
	}

	r.Close()
	r.Close()
	if shared.closed != 1 {
		t.Errorf("shared backend closed %d times, want 1", shared.closed)
	}
}

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(context.Background(), "local", local.Config{RootPath: dir})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("type = %s", b.Type())
	}

	if _, err := NewBackend(context.Background(), "ftp", struct{}{}); err == nil {
		t.Error("expected error for unknown backend type")
	}
}
