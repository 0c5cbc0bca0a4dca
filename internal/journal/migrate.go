package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: outcomes",
		SQL: `
		CREATE TABLE IF NOT EXISTS outcomes (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id     TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			format       TEXT NOT NULL,
			relay_error  TEXT DEFAULT '',
			reply_status TEXT NOT NULL,
			recipient    TEXT DEFAULT '',
			reply_text   TEXT DEFAULT '',
			message_id   TEXT DEFAULT '',
			reply_error  TEXT DEFAULT '',
			at_unix_ms   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_at ON outcomes(at_unix_ms);
		`,
	},
	{
		Version:     2,
		Description: "v2: request correlation",
		SQL: `
		ALTER TABLE outcomes ADD COLUMN request_id TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_outcomes_request ON outcomes(request_id);
		`,
	},
}

// RunMigrations applies pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(db, m, logger); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs each statement of m, skipping ones that were already
// applied by hand ("duplicate column", "already exists"), then records the
// version.
func applyMigration(db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			msg := err.Error()
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped", "version", m.Version, "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, or 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func splitSQL(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
