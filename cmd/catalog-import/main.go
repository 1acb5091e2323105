// catalog-import loads a YAML manifest, optionally extended by scanning the
// upload directory, into the configured catalog backend.
//
// For CATALOG_BACKEND=postgres or badger the manifest is imported into the
// store. For CATALOG_BACKEND=manifest the merged manifest is written back to
// MANIFEST_PATH. Designed to run once as an init container.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/fileguard/internal/catalog"
	badgercatalog "github.com/fruitsalade/fileguard/internal/catalog/badger"
	"github.com/fruitsalade/fileguard/internal/catalog/postgres"
	"github.com/fruitsalade/fileguard/internal/config"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/retry"
)

func main() {
	manifestPath := flag.String("manifest", "", "Manifest to import (default MANIFEST_PATH)")
	scanDir := flag.String("scan", "", "Directory to scan for files missing from the manifest")
	storageID := flag.Int("storage", 1, "Storage ID for scanned files")
	flag.Parse()

	// Initialize logging
	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		panic("logging init: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Fileguard catalog-import starting...")

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("config error", zap.Error(err))
	}
	if *manifestPath == "" {
		*manifestPath = cfg.ManifestPath
	}

	ctx := context.Background()

	m, err := catalog.LoadManifest(*manifestPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && *scanDir != "":
		logging.Info("no manifest yet, starting from scan", zap.String("path", *manifestPath))
		m = &catalog.Manifest{
			Storages: []catalog.ManifestStorage{{ID: *storageID, Name: "fileadmin", Default: true}},
		}
	case err != nil:
		logging.Fatal("manifest load failed", zap.String("path", *manifestPath), zap.Error(err))
	}

	if *scanDir != "" {
		added, err := catalog.Scan(ctx, *scanDir, *storageID, m)
		if err != nil {
			logging.Fatal("scan failed", zap.Error(err))
		}
		logging.Info("scan complete", zap.String("dir", *scanDir), zap.Int("added", added))
		if err := m.Validate(); err != nil {
			logging.Fatal("scanned manifest invalid", zap.Error(err))
		}
	}

	switch cfg.CatalogBackend {
	case "postgres":
		store, err := retry.Do(ctx, retry.DefaultPolicy(), "PostgreSQL", func() (*postgres.Store, error) {
			return postgres.New(cfg.DatabaseURL)
		})
		if err != nil {
			logging.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		if err := store.Import(ctx, m); err != nil {
			logging.Fatal("import failed", zap.Error(err))
		}

	case "badger":
		store, err := badgercatalog.Open(cfg.BadgerPath)
		if err != nil {
			logging.Fatal("badger catalog open failed", zap.Error(err))
		}
		defer store.Close()
		if err := store.Import(ctx, m); err != nil {
			logging.Fatal("import failed", zap.Error(err))
		}

	default:
		data, err := yaml.Marshal(m)
		if err != nil {
			logging.Fatal("manifest encode failed", zap.Error(err))
		}
		if err := os.WriteFile(cfg.ManifestPath, data, 0o644); err != nil {
			logging.Fatal("manifest write failed", zap.Error(err))
		}
	}

	logging.Info("catalog import complete",
		zap.String("backend", cfg.CatalogBackend),
		zap.Int("storages", len(m.Storages)),
		zap.Int("folders", len(m.Folders)),
		zap.Int("files", len(m.Files)))
}
