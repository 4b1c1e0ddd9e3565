package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const manifestFileName = "manifest.json"

// Config holds catalog configuration, mirroring the teacher database
// package's Config/DefaultConfig shape.
type Config struct {
	// Path to the SQLite catalog database file.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default catalog configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "catalog.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Catalog wraps a WAL-mode SQLite database indexing backup directories by
// their manifest.json descriptors (SPEC_FULL.md §3.9, grounded on the
// teacher's database.DB).
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (creating if necessary) the catalog database and applies
// pending migrations, configured the same way the teacher configures its
// image database: WAL mode, foreign keys on, a bounded connection pool.
func OpenCatalog(cfg Config) (*Catalog, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open catalog: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("manifest: failed to set pragma %q: %w", pragma, err)
		}
	}

	c := &Catalog{db: db}
	if err := c.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// EnumerateRoot walks every immediate subdirectory of root, reading and
// validating manifest.json where present. Directories without a
// manifest.json, or with one that fails to parse or fails Valid(), are
// silently skipped rather than treated as an error — spec.md §3/§8's
// invariant that enumeration never fails the whole scan over one bad
// directory. Each valid manifest found is upserted into the catalog.
func (c *Catalog) EnumerateRoot(ctx context.Context, root string) ([]Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to read backup root %s: %w", root, err)
	}

	var found []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
		if err != nil {
			continue
		}
		var m Manifest
		if jsonErr := m.Unmarshal(data); jsonErr != nil || !m.Valid() {
			continue
		}
		if err := c.Upsert(ctx, m, dir); err != nil {
			return found, err
		}
		found = append(found, m)
	}
	return found, nil
}

// Upsert inserts or updates a backup's catalog row and its repeated-field
// child rows (categories, package ids, custom paths, messaging keys).
func (c *Catalog) Upsert(ctx context.Context, m Manifest, directory string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backups (
			backup_id, backup_type, directory, device_serial, device_manufacturer,
			device_model, device_os_version, total_size_bytes, file_count, app_count,
			encrypted, compressed, duration_seconds, created_at, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup_id) DO UPDATE SET
			backup_type = excluded.backup_type,
			directory = excluded.directory,
			device_serial = excluded.device_serial,
			device_manufacturer = excluded.device_manufacturer,
			device_model = excluded.device_model,
			device_os_version = excluded.device_os_version,
			total_size_bytes = excluded.total_size_bytes,
			file_count = excluded.file_count,
			app_count = excluded.app_count,
			encrypted = excluded.encrypted,
			compressed = excluded.compressed,
			duration_seconds = excluded.duration_seconds,
			notes = excluded.notes,
			indexed_at = CURRENT_TIMESTAMP
	`,
		m.BackupID, string(m.BackupType), directory, m.Device.Serial, m.Device.Manufacturer,
		m.Device.Model, m.Device.OSVersion, m.TotalSizeBytes, m.FileCount, m.AppCount,
		m.Encrypted, m.Compressed, m.DurationSeconds, m.CreatedAt, m.Notes,
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to upsert backup %s: %w", m.BackupID, err)
	}

	if err := replaceChildRows(ctx, tx, "backup_categories", "category", m.BackupID, m.Categories); err != nil {
		return err
	}
	if err := replaceChildRows(ctx, tx, "backup_packages", "package_id", m.BackupID, m.PackageIDs); err != nil {
		return err
	}
	if err := replaceChildRows(ctx, tx, "backup_custom_paths", "path", m.BackupID, m.CustomPaths); err != nil {
		return err
	}
	if err := replaceChildRows(ctx, tx, "backup_messaging_keys", "app_key", m.BackupID, m.MessagingAppKeys); err != nil {
		return err
	}

	return tx.Commit()
}

func replaceChildRows(ctx context.Context, tx *sql.Tx, table, column, backupID string, values []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE backup_id = ?", table), backupID); err != nil {
		return fmt.Errorf("manifest: failed to clear %s for %s: %w", table, backupID, err)
	}
	for _, v := range values {
		query := fmt.Sprintf("INSERT OR IGNORE INTO %s (backup_id, %s) VALUES (?, ?)", table, column)
		if _, err := tx.ExecContext(ctx, query, backupID, v); err != nil {
			return fmt.Errorf("manifest: failed to insert %s row for %s: %w", table, backupID, err)
		}
	}
	return nil
}

// GetByID returns the manifest for backupID, or nil if not found.
func (c *Catalog) GetByID(ctx context.Context, backupID string) (*Manifest, string, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT backup_id, backup_type, directory, device_serial, device_manufacturer,
		       device_model, device_os_version, total_size_bytes, file_count, app_count,
		       encrypted, compressed, duration_seconds, created_at, COALESCE(notes, '')
		FROM backups WHERE backup_id = ?
	`, backupID)

	var m Manifest
	var backupType, directory string
	err := row.Scan(
		&m.BackupID, &backupType, &directory, &m.Device.Serial, &m.Device.Manufacturer,
		&m.Device.Model, &m.Device.OSVersion, &m.TotalSizeBytes, &m.FileCount, &m.AppCount,
		&m.Encrypted, &m.Compressed, &m.DurationSeconds, &m.CreatedAt, &m.Notes,
	)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("manifest: failed to query backup %s: %w", backupID, err)
	}
	m.BackupType = Type(backupType)

	if err := c.loadChildren(ctx, &m); err != nil {
		return nil, "", err
	}
	return &m, directory, nil
}

func (c *Catalog) loadChildren(ctx context.Context, m *Manifest) error {
	var err error
	if m.Categories, err = queryStrings(ctx, c.db, "SELECT category FROM backup_categories WHERE backup_id = ?", m.BackupID); err != nil {
		return err
	}
	if m.PackageIDs, err = queryStrings(ctx, c.db, "SELECT package_id FROM backup_packages WHERE backup_id = ?", m.BackupID); err != nil {
		return err
	}
	if m.CustomPaths, err = queryStrings(ctx, c.db, "SELECT path FROM backup_custom_paths WHERE backup_id = ?", m.BackupID); err != nil {
		return err
	}
	if m.MessagingAppKeys, err = queryStrings(ctx, c.db, "SELECT app_key FROM backup_messaging_keys WHERE backup_id = ?", m.BackupID); err != nil {
		return err
	}
	return nil
}

func queryStrings(ctx context.Context, db *sql.DB, query, arg string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("manifest: query failed: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("manifest: scan failed: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByDevice lists every cataloged backup for a device serial, most
// recent first.
func (c *Catalog) ListByDevice(ctx context.Context, serial string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT backup_id FROM backups WHERE device_serial = ? ORDER BY created_at DESC
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list backups for %s: %w", serial, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("manifest: scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a backup's catalog row and all child rows. It does not
// touch the backup directory on disk; removing the files is left to the
// caller.
func (c *Catalog) Delete(ctx context.Context, backupID string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM backups WHERE backup_id = ?", backupID)
	if err != nil {
		return fmt.Errorf("manifest: failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

// WriteManifestFile marshals m and writes it as manifest.json inside dir.
func WriteManifestFile(dir string, m Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest: failed to create backup directory %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("manifest: failed to write manifest.json in %s: %w", dir, err)
	}
	return nil
}

// ReadManifestFile reads and validates manifest.json from dir.
func ReadManifestFile(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: failed to read manifest in %s: %w", dir, err)
	}
	var m Manifest
	if err := m.Unmarshal(data); err != nil {
		return Manifest{}, fmt.Errorf("manifest: failed to parse manifest in %s: %w", dir, err)
	}
	if !m.Valid() {
		return Manifest{}, fmt.Errorf("manifest: invalid manifest in %s", dir)
	}
	return m, nil
}
