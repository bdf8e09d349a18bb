package storage

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations are applied in ascending version order, each in its own
// transaction, and recorded in schema_version.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Audit log table",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				time TEXT NOT NULL,
				action TEXT NOT NULL,
				domain TEXT NOT NULL
			);
		`,
	},
	{
		Version:     2,
		Description: "Index audit log by domain",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_audit_log_domain ON audit_log(domain);
		`,
	},
}

func getCurrentVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}
	return tx.Commit()
}

// runMigrations brings db up to the latest schema version. A failure leaves
// the database at the last successful version.
func runMigrations(db *sql.DB) error {
	current, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}
