// Package postgres provides a PostgreSQL-backed file catalog with metrics.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

const backendName = "postgres"

const fileColumns = `f.uid, f.storage_id, f.identifier, f.name, f.size, f.mime_type, f.mod_time,
	f.sha1, f.frontend_groups, f.hidden, f.processed`

// Store is a PostgreSQL catalog.
type Store struct {
	db *sql.DB
}

// New opens the database and verifies the connection.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection gauge.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs the embedded SQL migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func observe(query string, start time.Time) {
	metrics.RecordCatalogQuery(backendName, query, time.Since(start))
}

// --- reads ---

// DefaultStorage returns the default storage with the lowest ID.
func (s *Store) DefaultStorage(ctx context.Context) (*catalog.Storage, error) {
	defer observe("default_storage", time.Now())

	var st catalog.Storage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, processing_folder, is_default FROM storages
		 WHERE is_default ORDER BY id LIMIT 1`).
		Scan(&st.ID, &st.Name, &st.ProcessingFolder, &st.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrStorageUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrStorageUnavailable, err)
	}
	return &st, nil
}

// HasFile reports whether identifier is a file in the storage.
func (s *Store) HasFile(ctx context.Context, storageID int, identifier string) (bool, error) {
	if !catalog.ValidIdentifier(identifier) {
		return false, catalog.ErrInvalidIdentifier
	}
	defer observe("has_file", time.Now())

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM files WHERE storage_id = $1 AND identifier = $2)`,
		storageID, identifier).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has file: %w", err)
	}
	return exists, nil
}

// GetFile loads a file and, for processed files, its original.
func (s *Store) GetFile(ctx context.Context, storageID int, identifier string) (*catalog.File, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	defer observe("get_file", time.Now())

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+`, f.original_uid FROM files f
		 WHERE f.storage_id = $1 AND f.identifier = $2`, storageID, identifier)

	var originalUID sql.NullInt64
	f, err := scanFile(row, &originalUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	if originalUID.Valid {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+fileColumns+` FROM files f WHERE f.uid = $1`, originalUID.Int64)
		orig, err := scanFile(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// dangling derivative, left without Original
		case err != nil:
			return nil, fmt.Errorf("get original: %w", err)
		default:
			f.Original = orig
		}
	}
	return f, nil
}

// GetFolder returns the folder at identifier or catalog.ErrNotFound.
func (s *Store) GetFolder(ctx context.Context, storageID int, identifier string) (*catalog.Folder, error) {
	if !catalog.ValidIdentifier(identifier) {
		return nil, catalog.ErrInvalidIdentifier
	}
	defer observe("get_folder", time.Now())

	var folder catalog.Folder
	var groups pq.Int64Array
	err := s.db.QueryRowContext(ctx,
		`SELECT storage_id, identifier, name, frontend_groups FROM folders
		 WHERE storage_id = $1 AND identifier = $2`,
		storageID, catalog.FolderIdentifier(identifier)).
		Scan(&folder.StorageID, &folder.Identifier, &folder.Name, &groups)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	folder.FrontendGroups = toInts(groups)
	return &folder, nil
}

// ListFiles returns the files directly inside folder.
func (s *Store) ListFiles(ctx context.Context, folder *catalog.Folder) ([]*catalog.File, error) {
	defer observe("list_files", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files f
		 WHERE f.storage_id = $1 AND f.parent_identifier = $2
		 ORDER BY f.identifier`, folder.StorageID, folder.Identifier)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*catalog.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListSubfolders returns the folders directly inside folder.
func (s *Store) ListSubfolders(ctx context.Context, folder *catalog.Folder) ([]*catalog.Folder, error) {
	defer observe("list_subfolders", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT storage_id, identifier, name, frontend_groups FROM folders
		 WHERE storage_id = $1 AND parent_identifier = $2 AND identifier <> '/'
		 ORDER BY identifier`, folder.StorageID, folder.Identifier)
	if err != nil {
		return nil, fmt.Errorf("list subfolders: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Folder
	for rows.Next() {
		var f catalog.Folder
		var groups pq.Int64Array
		if err := rows.Scan(&f.StorageID, &f.Identifier, &f.Name, &groups); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		f.FrontendGroups = toInts(groups)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// FolderGroups returns a folder's frontend restriction.
func (s *Store) FolderGroups(ctx context.Context, storageID int, identifier string) ([]int, error) {
	var groups pq.Int64Array
	err := s.db.QueryRowContext(ctx,
		`SELECT frontend_groups FROM folders WHERE storage_id = $1 AND identifier = $2`,
		storageID, identifier).Scan(&groups)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toInts(groups), nil
}

// EvaluateFileAccess applies file and folder group restrictions.
func (s *Store) EvaluateFileAccess(ctx context.Context, file *catalog.File, groupIDs []int, maxAge int) (bool, int, error) {
	defer observe("evaluate_access", time.Now())
	return catalog.EvaluateAccess(ctx, s, file, groupIDs, maxAge)
}

// --- writes ---

// Import upserts every record of a manifest in one transaction, creating
// the folder rows implied by file and folder identifiers.
func (s *Store) Import(ctx context.Context, m *catalog.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, ms := range m.Storages {
		st := ms.StorageRecord()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO storages (id, name, processing_folder, is_default) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET name = $2, processing_folder = $3, is_default = $4`,
			st.ID, st.Name, st.ProcessingFolder, st.IsDefault); err != nil {
			return fmt.Errorf("storage %d: %w", st.ID, err)
		}
		if err := ensureFolder(ctx, tx, st.ID, "/"); err != nil {
			return err
		}
	}

	for _, mf := range m.Folders {
		f := mf.FolderRecord()
		for _, parent := range catalog.FolderChain(f.Identifier) {
			if err := ensureFolder(ctx, tx, f.StorageID, parent); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO folders (storage_id, identifier, parent_identifier, name, frontend_groups)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (storage_id, identifier) DO UPDATE SET frontend_groups = $5`,
			f.StorageID, f.Identifier, catalog.ParentFolder(f.Identifier), f.Name,
			toInt64s(f.FrontendGroups)); err != nil {
			return fmt.Errorf("folder %s: %w", f.Identifier, err)
		}
	}

	// Originals first so the original_uid reference resolves.
	for _, pass := range []bool{false, true} {
		for _, mf := range m.Files {
			if (mf.Original != 0) != pass {
				continue
			}
			if err := upsertFile(ctx, tx, mf); err != nil {
				return fmt.Errorf("file %s: %w", mf.Identifier, err)
			}
		}
	}

	return tx.Commit()
}

func ensureFolder(ctx context.Context, tx *sql.Tx, storageID int, identifier string) error {
	parent := ""
	if identifier != "/" {
		parent = catalog.ParentFolder(identifier)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO folders (storage_id, identifier, parent_identifier, name)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (storage_id, identifier) DO NOTHING`,
		storageID, identifier, parent, catalog.BaseName(identifier))
	if err != nil {
		return fmt.Errorf("folder %s: %w", identifier, err)
	}
	return nil
}

func upsertFile(ctx context.Context, tx *sql.Tx, mf catalog.ManifestFile) error {
	f := mf.FileRecord()
	parent := catalog.ParentFolder(f.Identifier)
	for _, id := range append([]string{parent}, catalog.FolderChain(parent)...) {
		if err := ensureFolder(ctx, tx, f.StorageID, id); err != nil {
			return err
		}
	}

	var original sql.NullInt64
	if mf.Original != 0 {
		original = sql.NullInt64{Int64: mf.Original, Valid: true}
	}
	modTime := f.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO files (uid, storage_id, identifier, parent_identifier, name, size, mime_type,
		                    mod_time, sha1, frontend_groups, hidden, original_uid, processed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (uid) DO UPDATE SET
		   storage_id = $2, identifier = $3, parent_identifier = $4, name = $5, size = $6,
		   mime_type = $7, mod_time = $8, sha1 = $9, frontend_groups = $10, hidden = $11,
		   original_uid = $12, processed = $13`,
		f.UID, f.StorageID, f.Identifier, parent, f.Name, f.Size, f.MimeType,
		modTime, f.SHA1, toInt64s(f.FrontendGroups), f.Hidden, original, f.Processed)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner, extra ...any) (*catalog.File, error) {
	var f catalog.File
	var groups pq.Int64Array
	dest := []any{&f.UID, &f.StorageID, &f.Identifier, &f.Name, &f.Size, &f.MimeType,
		&f.ModTime, &f.SHA1, &groups, &f.Hidden, &f.Processed}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	f.FrontendGroups = toInts(groups)
	return &f, nil
}

func toInts(a pq.Int64Array) []int {
	if len(a) == 0 {
		return nil
	}
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}

func toInt64s(a []int) pq.Int64Array {
	out := make(pq.Int64Array, len(a))
	for i, v := range a {
		out[i] = int64(v)
	}
	return out
}
