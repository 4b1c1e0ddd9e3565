package manifest

import "fmt"

// migrations contains all catalog schema migrations in order, mirroring the
// teacher's database package migrations.go.
var migrations = []struct {
	version     int
	description string
	sql         string
}{
	{
		version:     1,
		description: "Initial schema with backups and repeated-field tables",
		sql:         initialSchema,
	},
	{
		version:     2,
		description: "Add notes column to backups",
		sql:         notesSchema,
	},
}

// applyMigrations applies all pending catalog migrations.
func (c *Catalog) applyMigrations() error {
	if _, err := c.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("manifest: failed to create schema_migrations table: %w", err)
	}

	currentVersion := 0
	row := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		currentVersion = 0
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("manifest: failed to apply migration %d: %w", m.version, err)
		}
		if _, err := c.db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.version, m.description,
		); err != nil {
			return fmt.Errorf("manifest: failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}
