package manifest

// schemaMigrationsTable tracks applied catalog schema versions, mirroring
// the teacher's database package's own migration-tracking table.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is version 1 of the backup catalog: one row per discovered
// manifest.json, plus the repeated-field tables a manifest can carry any
// number of (categories, package ids, custom paths, messaging app keys).
const initialSchema = `
-- backups table: one row per backup directory that has a valid manifest.json
CREATE TABLE IF NOT EXISTS backups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_id TEXT NOT NULL UNIQUE,
    backup_type TEXT NOT NULL,
    directory TEXT NOT NULL UNIQUE,
    device_serial TEXT NOT NULL,
    device_manufacturer TEXT,
    device_model TEXT,
    device_os_version TEXT,
    total_size_bytes INTEGER NOT NULL DEFAULT 0,
    file_count INTEGER NOT NULL DEFAULT 0,
    app_count INTEGER NOT NULL DEFAULT 0,
    encrypted BOOLEAN NOT NULL DEFAULT 0,
    compressed BOOLEAN NOT NULL DEFAULT 0,
    duration_seconds REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (backup_type IN ('full', 'files', 'apps', 'contacts', 'sms', 'messaging', 'unsynced_apps', 'custom')),
    CHECK (total_size_bytes >= 0),
    CHECK (file_count >= 0),
    CHECK (app_count >= 0),
    CHECK (encrypted IN (0, 1)),
    CHECK (compressed IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_backups_backup_id ON backups(backup_id);
CREATE INDEX IF NOT EXISTS idx_backups_device_serial ON backups(device_serial);
CREATE INDEX IF NOT EXISTS idx_backups_backup_type ON backups(backup_type);
CREATE INDEX IF NOT EXISTS idx_backups_created_at ON backups(created_at);

-- backup_packages table: package identifiers captured by an apps/custom backup
CREATE TABLE IF NOT EXISTS backup_packages (
    backup_id TEXT NOT NULL,
    package_id TEXT NOT NULL,

    FOREIGN KEY (backup_id) REFERENCES backups(backup_id) ON DELETE CASCADE,
    PRIMARY KEY (backup_id, package_id)
);

-- backup_custom_paths table: explicit remote paths for a custom backup
CREATE TABLE IF NOT EXISTS backup_custom_paths (
    backup_id TEXT NOT NULL,
    path TEXT NOT NULL,

    FOREIGN KEY (backup_id) REFERENCES backups(backup_id) ON DELETE CASCADE,
    PRIMARY KEY (backup_id, path)
);

-- backup_messaging_keys table: messaging app keys for a messaging backup
CREATE TABLE IF NOT EXISTS backup_messaging_keys (
    backup_id TEXT NOT NULL,
    app_key TEXT NOT NULL,

    FOREIGN KEY (backup_id) REFERENCES backups(backup_id) ON DELETE CASCADE,
    PRIMARY KEY (backup_id, app_key)
);

-- backup_categories table: free-form category tags attached to a backup
CREATE TABLE IF NOT EXISTS backup_categories (
    backup_id TEXT NOT NULL,
    category TEXT NOT NULL,

    FOREIGN KEY (backup_id) REFERENCES backups(backup_id) ON DELETE CASCADE,
    PRIMARY KEY (backup_id, category)
);
`

// notesSchema adds a free-text notes column (version 2), separated out the
// same way the teacher staged image_locks behind the initial schema.
const notesSchema = `
ALTER TABLE backups ADD COLUMN notes TEXT;
`
