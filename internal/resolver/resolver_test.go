package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/catalog/memory"
	"github.com/fruitsalade/fileguard/internal/logging"
)

func newStore(t *testing.T, withDefault bool) *memory.Store {
	t.Helper()
	logging.InitNop()
	store, err := memory.New(&catalog.Manifest{
		Storages: []catalog.ManifestStorage{{ID: 1, Name: "fileadmin", Default: withDefault}},
		Files: []catalog.ManifestFile{
			{UID: 1, Storage: 1, Identifier: "/docs/report.pdf"},
			{UID: 2, Storage: 1, Identifier: "/docs/sonderzeichenäöü.png"},
			{UID: 3, Storage: 1, Identifier: "/docs/with space.txt"},
		},
	})
	require.NoError(t, err)
	return store
}

func TestResolve(t *testing.T) {
	r := New(newStore(t, true), "fileadmin")
	assert.Equal(t, "/fileadmin/", r.Prefix())

	tests := []struct {
		path       string
		want       Outcome
		identifier string
	}{
		{"/", NotManaged, ""},
		{"/index.php", NotManaged, ""},
		{"/typo3/index.php", NotManaged, ""},
		{"/fileadmin", NotManaged, ""},
		{"/fileadmin/docs/report.pdf", Managed, "/docs/report.pdf"},
		{"/fileadmin/docs/sonderzeichen%C3%A4%C3%B6%C3%BC.png", Managed, "/docs/sonderzeichenäöü.png"},
		{"/fileadmin/docs/with%20space.txt", Managed, "/docs/with space.txt"},
		{"/fileadmin/docs/missing.pdf", NotFound, ""},
		{"/fileadmin/docs/", NotFound, ""},
		{"/fileadmin/", NotFound, ""},
		{"/fileadmin/../etc/passwd", NotManaged, ""},
		{"/%ZZ", NotManaged, ""},
		{"/typo3%5Cindex.php", NotManaged, ""},

		// Non-canonical spellings of managed paths are refused, never passed on.
		{"/fileadmin/docs/%2e%2e/report.pdf", NotFound, ""},
		{"/fileadmin/docs/../docs/report.pdf", NotFound, ""},
		{"/fileadmin/./docs/report.pdf", NotFound, ""},
		{"/fileadmin/docs//report.pdf", NotFound, ""},
		{"/fileadmin//docs/report.pdf", NotFound, ""},
		{"/typo3/../fileadmin/docs/report.pdf", NotFound, ""},
		{"/fileadmin/docs%5Creport.pdf", NotFound, ""},
		{"/fileadmin%5Cdocs%5Creport.pdf", NotFound, ""},
		{"/fileadmin/docs/report.pdf%00", NotFound, ""},
		{"/fileadmin/docs/%ZZ", NotFound, ""},
		{"/fileadmin/docs/%FF.pdf", NotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.want == Managed {
				require.NotNil(t, res.File)
				assert.Equal(t, tt.identifier, res.File.Identifier)
				assert.Equal(t, 1, res.Storage.ID)
			}
		})
	}
}

func TestResolveWithoutDefaultStorage(t *testing.T) {
	r := New(newStore(t, false), "/fileadmin/")

	_, err := r.Resolve(context.Background(), "/fileadmin/docs/report.pdf")
	assert.ErrorIs(t, err, catalog.ErrStorageUnavailable)

	// Paths outside the prefix never touch the catalog.
	res, err := r.Resolve(context.Background(), "/about")
	require.NoError(t, err)
	assert.Equal(t, NotManaged, res.Outcome)
}

type failingCatalog struct {
	hasErr, getErr error
	missing        bool
	gets           int
}

func (f *failingCatalog) DefaultStorage(context.Context) (*catalog.Storage, error) {
	return &catalog.Storage{ID: 1, IsDefault: true}, nil
}

func (f *failingCatalog) HasFile(context.Context, int, string) (bool, error) {
	return !f.missing, f.hasErr
}

func (f *failingCatalog) GetFile(context.Context, int, string) (*catalog.File, error) {
	f.gets++
	return nil, f.getErr
}

func TestResolveCatalogErrors(t *testing.T) {
	logging.InitNop()
	ctx := context.Background()

	tests := []struct {
		name    string
		cat     *failingCatalog
		want    Outcome
		wantErr bool
	}{
		{"has rejects identifier", &failingCatalog{hasErr: catalog.ErrInvalidIdentifier}, NotFound, false},
		{"get rejects identifier", &failingCatalog{getErr: catalog.ErrInvalidIdentifier}, NotFound, false},
		{"removed between calls", &failingCatalog{getErr: catalog.ErrNotFound}, NotFound, false},
		{"has fails", &failingCatalog{hasErr: errors.New("connection reset")}, 0, true},
		{"get fails", &failingCatalog{getErr: errors.New("connection reset")}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(tt.cat, "/fileadmin/").Resolve(ctx, "/fileadmin/a.txt")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestResolveChecksExistenceFirst(t *testing.T) {
	logging.InitNop()
	cat := &failingCatalog{missing: true}

	res, err := New(cat, "/fileadmin/").Resolve(context.Background(), "/fileadmin/a.txt")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
	assert.Zero(t, cat.gets, "GetFile should not run for files the catalog does not have")
}

func TestResolveRootPrefix(t *testing.T) {
	r := New(newStore(t, true), "/")

	res, err := r.Resolve(context.Background(), "/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, Managed, res.Outcome)

	res, err = r.Resolve(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, NotManaged, res.Outcome)

	res, err = r.Resolve(context.Background(), "/docs/../docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "managed", Managed.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "not_managed", NotManaged.String())
}
