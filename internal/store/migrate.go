package store

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. Each one is applied
// exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "oauth token cache",
		SQL: `
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			key         TEXT PRIMARY KEY,
			token_json  TEXT NOT NULL,
			updated_at  DATETIME NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "attachment catalog",
		SQL: `
		CREATE TABLE IF NOT EXISTS attachments (
			id           TEXT PRIMARY KEY,
			message_id   TEXT NOT NULL,
			filename     TEXT NOT NULL,
			mime_type    TEXT NOT NULL DEFAULT '',
			size         INTEGER NOT NULL DEFAULT 0,
			storage_path TEXT NOT NULL,
			url          TEXT NOT NULL,
			created_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_created ON attachments(created_at);
		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations, each in its own
// transaction.
func RunMigrations(db *sqlx.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database.
func SchemaVersion(db *sqlx.DB) (int, error) {
	var tables int
	if err := db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables == 0 {
		return 0, nil
	}

	var version int
	if err := db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
