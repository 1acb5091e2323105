// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config holds all interceptor configuration.
type Config struct {
	// Server
	ListenAddr  string `validate:"required"`
	MetricsAddr string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Access policy
	ManagedPrefix string `validate:"required,startswith=/"`
	DefaultMaxAge int    `validate:"gte=0"`
	Return403     bool
	RangeRequests bool
	PolicyFile    string

	// Catalog ("postgres", "badger" or "manifest")
	CatalogBackend string `validate:"oneof=postgres badger manifest"`
	DatabaseURL    string `validate:"required_if=CatalogBackend postgres"`
	BadgerPath     string `validate:"required_if=CatalogBackend badger"`
	ManifestPath   string `validate:"required_if=CatalogBackend manifest"`

	// Byte storage ("local", "s3" or "smb")
	StorageBackend   string `validate:"oneof=local s3 smb"`
	LocalStoragePath string `validate:"required_if=StorageBackend local"`

	S3Endpoint  string
	S3Bucket    string `validate:"required_if=StorageBackend s3"`
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Prefix    string

	SMBServer    string
	SMBMountPath string `validate:"required_if=StorageBackend smb"`
	SMBMarker    string

	// Per-storage backend bindings; storages not listed use the backend above
	StorageRoutesFile string
	HealthObjectKey   string

	// Sessions
	JWTSecret      string
	JWKSURL        string `validate:"omitempty,url"`
	FrontendCookie string `validate:"required"`
	BackendCookie  string `validate:"required"`

	// Passthrough for everything that is not a managed file
	UpstreamURL string `validate:"omitempty,url"`
	CORSOrigins []string
}

// Load reads configuration from environment variables with defaults. A .env
// file in the working directory is honored but never overrides the real
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		ManagedPrefix:     NormalizePrefix(envOr("MANAGED_PREFIX", "/fileadmin/")),
		DefaultMaxAge:     envInt("DEFAULT_MAX_AGE", 14400), // 4 hours
		Return403:         envBool("RETURN_403", false),
		RangeRequests:     envBool("RANGE_REQUESTS", true),
		PolicyFile:        envOr("POLICY_FILE", ""),
		CatalogBackend:    envOr("CATALOG_BACKEND", "manifest"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		BadgerPath:        envOr("BADGER_PATH", "/data/catalog"),
		ManifestPath:      envOr("MANIFEST_PATH", "/data/manifest.yaml"),
		StorageBackend:    envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", "/data/fileadmin"),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Prefix:          envOr("S3_PREFIX", ""),
		SMBServer:         envOr("SMB_SERVER", ""),
		SMBMountPath:      envOr("SMB_MOUNT_PATH", ""),
		SMBMarker:         envOr("SMB_MARKER", ""),
		StorageRoutesFile: envOr("STORAGE_ROUTES_FILE", ""),
		HealthObjectKey:   envOr("HEALTH_OBJECT_KEY", ".fileguard-health"),
		JWTSecret:         envOr("JWT_SECRET", ""),
		JWKSURL:           envOr("JWKS_URL", ""),
		FrontendCookie:    envOr("FRONTEND_COOKIE", "fe_session"),
		BackendCookie:     envOr("BACKEND_COOKIE", "be_session"),
		UpstreamURL:       envOr("UPSTREAM_URL", ""),
		CORSOrigins:       envList("CORS_ORIGINS"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
		}
		return err
	}
	if cfg.ManagedPrefix == "/" {
		return fmt.Errorf("MANAGED_PREFIX must not be the site root")
	}
	return nil
}

// NormalizePrefix returns p with exactly one leading and one trailing slash.
func NormalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
