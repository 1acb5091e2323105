package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/fileadmin/", cfg.ManagedPrefix)
	assert.Equal(t, 14400, cfg.DefaultMaxAge)
	assert.False(t, cfg.Return403)
	assert.True(t, cfg.RangeRequests)
	assert.Equal(t, "manifest", cfg.CatalogBackend)
	assert.Equal(t, "local", cfg.StorageBackend)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MANAGED_PREFIX", "uploads")
	t.Setenv("DEFAULT_MAX_AGE", "60")
	t.Setenv("RETURN_403", "true")
	t.Setenv("RANGE_REQUESTS", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/uploads/", cfg.ManagedPrefix)
	assert.Equal(t, 60, cfg.DefaultMaxAge)
	assert.True(t, cfg.Return403)
	assert.False(t, cfg.RangeRequests)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without dsn", map[string]string{"CATALOG_BACKEND": "postgres"}},
		{"unknown catalog", map[string]string{"CATALOG_BACKEND": "mysql"}},
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3"}},
		{"smb without mount", map[string]string{"STORAGE_BACKEND": "smb"}},
		{"negative max age", map[string]string{"DEFAULT_MAX_AGE": "-1"}},
		{"root prefix", map[string]string{"MANAGED_PREFIX": "/"}},
		{"bad jwks url", map[string]string{"JWKS_URL": "not a url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"fileadmin":   "/fileadmin/",
		"/fileadmin":  "/fileadmin/",
		"/fileadmin/": "/fileadmin/",
		" /a/b/ ":     "/a/b/",
		"":            "/",
		"///":         "/",
		"//uploads//": "/uploads/",
	}
	for in, want := range tests {
		if got := NormalizePrefix(in); got != want {
			t.Errorf("NormalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
