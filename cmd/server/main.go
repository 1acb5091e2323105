// Fileguard Server
//
// Serves files under the managed upload prefix only to callers entitled to
// read them, and proxies every other request to the CMS.
//
// Features:
// - Catalog backends: PostgreSQL, Badger, YAML manifest
// - Byte storage: local, SMB mount, S3
// - Frontend/backend session tokens (HMAC or JWKS)
// - YAML policy rules on the security-check hook
// - Byte ranges, multipart ranges and conditional requests
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/access"
	"github.com/fruitsalade/fileguard/internal/auth"
	"github.com/fruitsalade/fileguard/internal/catalog"
	badgercatalog "github.com/fruitsalade/fileguard/internal/catalog/badger"
	"github.com/fruitsalade/fileguard/internal/catalog/memory"
	"github.com/fruitsalade/fileguard/internal/catalog/postgres"
	"github.com/fruitsalade/fileguard/internal/config"
	"github.com/fruitsalade/fileguard/internal/events"
	"github.com/fruitsalade/fileguard/internal/httprange"
	"github.com/fruitsalade/fileguard/internal/interceptor"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/metrics"
	"github.com/fruitsalade/fileguard/internal/policy"
	"github.com/fruitsalade/fileguard/internal/resolver"
	"github.com/fruitsalade/fileguard/internal/retry"
	"github.com/fruitsalade/fileguard/internal/storage"
	"github.com/fruitsalade/fileguard/internal/storage/local"
	s3storage "github.com/fruitsalade/fileguard/internal/storage/s3"
	"github.com/fruitsalade/fileguard/internal/storage/smb"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Fileguard starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("prefix", cfg.ManagedPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Catalog
	cat, reload := openCatalog(ctx, cfg)
	defer cat.Close()

	// Byte storage
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	router := storage.NewRouter()
	router.SetFallback(backend)
	defer router.Close()
	if cfg.StorageRoutesFile != "" {
		routes, err := storage.LoadRoutes(cfg.StorageRoutesFile)
		if err != nil {
			logging.Fatal("storage routes load failed", zap.String("file", cfg.StorageRoutesFile), zap.Error(err))
		}
		if err := router.Apply(ctx, routes); err != nil {
			logging.Fatal("storage routes apply failed", zap.Error(err))
		}
	}

	// Sessions
	var provider auth.Provider
	if cfg.JWTSecret != "" || cfg.JWKSURL != "" {
		verifier, err := auth.NewVerifier(ctx, cfg.JWTSecret, cfg.JWKSURL)
		if err != nil {
			logging.Fatal("token verifier init failed", zap.Error(err))
		}
		provider = auth.NewJWTProvider(verifier, cat, cfg.FrontendCookie, cfg.BackendCookie)
	} else {
		logging.Warn("no JWT_SECRET or JWKS_URL configured, every caller is anonymous")
		provider = auth.Static(auth.Anonymous())
	}

	// Security-check hook
	hooks := events.NewDispatcher()
	if cfg.PolicyFile != "" {
		rules, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			logging.Fatal("policy load failed", zap.String("file", cfg.PolicyFile), zap.Error(err))
		}
		policy.Register(hooks, rules)
		logging.Info("policy rules loaded",
			zap.String("file", cfg.PolicyFile),
			zap.Int("listeners", hooks.Count()))
	}

	res := resolver.New(cat, cfg.ManagedPrefix)
	gate := interceptor.NewGate(
		res,
		access.NewEngine(cat, hooks, cfg.DefaultMaxAge),
		provider,
		router,
		cfg.Return403,
	)

	var ic *interceptor.Interceptor
	if cfg.RangeRequests {
		ic = interceptor.NewRanged(gate, httprange.New())
	} else {
		ic = interceptor.NewSimple(gate)
	}

	// Everything outside the managed prefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		st, err := cat.DefaultStorage(r.Context())
		if err != nil {
			http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := router.Check(r.Context(), st.ID, cfg.HealthObjectKey); err != nil {
			logging.WithContext(r.Context()).Warn("storage health check failed", zap.Error(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	mux.Handle("/", upstream(cfg.UpstreamURL))

	var handler http.Handler = ic.Handler(mux)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodOptions},
			AllowedHeaders:   []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since", "Authorization"},
			ExposedHeaders:   []string{"Accept-Ranges", "Content-Range", "Content-Length", "ETag"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	handler = metrics.Middleware(func(r *http.Request) string {
		switch {
		case strings.HasPrefix(r.URL.Path, res.Prefix()):
			return "managed"
		case r.URL.Path == "/healthz":
			return "health"
		default:
			return "passthrough"
		}
	})(handler)
	handler = logging.Middleware(handler)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// SIGHUP reloads the manifest catalog; SIGINT/SIGTERM shut down.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if reload == nil {
					logging.Info("catalog reload not supported", zap.String("backend", cfg.CatalogBackend))
					continue
				}
				if err := reload(); err != nil {
					logging.Error("catalog reload failed", zap.Error(err))
				}
				continue
			}
			logging.Info("shutting down...")
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			httpServer.Shutdown(shutdownCtx)
			done()
			metricsServer.Close()
			return
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// openCatalog opens the configured catalog. reload is non-nil for catalogs
// that can be refreshed in place.
func openCatalog(ctx context.Context, cfg *config.Config) (cat catalog.Catalog, reload func() error) {
	switch cfg.CatalogBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		store, err := retry.Do(ctx, retry.DefaultPolicy(), "PostgreSQL", func() (*postgres.Store, error) {
			return postgres.New(cfg.DatabaseURL)
		})
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		logging.Info("running migrations...")
		if err := store.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.UpdateConnectionMetrics()
				}
			}
		}()
		return store, nil

	case "badger":
		store, err := badgercatalog.Open(cfg.BadgerPath)
		if err != nil {
			logging.Fatal("badger catalog open failed", zap.String("path", cfg.BadgerPath), zap.Error(err))
		}
		logging.Info("badger catalog opened", zap.String("path", cfg.BadgerPath))
		return store, nil

	default:
		store, err := memory.Open(cfg.ManifestPath)
		if err != nil {
			logging.Fatal("manifest load failed", zap.String("path", cfg.ManifestPath), zap.Error(err))
		}
		logging.Info("manifest catalog loaded", zap.String("path", cfg.ManifestPath))
		return store, func() error {
			m, err := catalog.LoadManifest(cfg.ManifestPath)
			if err != nil {
				return err
			}
			if err := store.Reload(m); err != nil {
				return err
			}
			logging.Info("manifest catalog reloaded", zap.Int("files", len(m.Files)))
			return nil
		}
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewBackend(ctx, "s3", s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
		})
	case "smb":
		return storage.NewBackend(ctx, "smb", smb.Config{
			Server:    cfg.SMBServer,
			MountPath: cfg.SMBMountPath,
			Marker:    cfg.SMBMarker,
		})
	default:
		return storage.NewBackend(ctx, "local", local.Config{RootPath: cfg.LocalStoragePath})
	}
}

// upstream proxies to the CMS, or answers 404 when none is configured.
func upstream(rawURL string) http.Handler {
	if rawURL == "" {
		return http.NotFoundHandler()
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		logging.Fatal("invalid UPSTREAM_URL", zap.Error(err))
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logging.WithContext(r.Context()).Error("upstream request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	logging.Info("proxying unmanaged paths", zap.String("upstream", target.String()))
	return proxy
}
