package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. The DDL sticks to the
// subset understood by both SQLite and PostgreSQL.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: contacts, conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS contacts (
			id          TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL DEFAULT '',
			email       TEXT NOT NULL DEFAULT '',
			avatar      TEXT NOT NULL DEFAULT '',
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			external_id       TEXT NOT NULL UNIQUE,
			contact_id        TEXT NOT NULL REFERENCES contacts(id),
			inbox_id          TEXT NOT NULL DEFAULT '',
			unread_count      INTEGER NOT NULL DEFAULT 0,
			last_message_at   BIGINT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'open',
			group_name        TEXT NOT NULL DEFAULT '',
			group_external_id TEXT NOT NULL DEFAULT '',
			created_at        BIGINT NOT NULL,
			updated_at        BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_inbox ON conversations(inbox_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			external_id     TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content         TEXT NOT NULL DEFAULT '',
			sender          TEXT NOT NULL,
			sender_name     TEXT NOT NULL DEFAULT '',
			sender_phone    TEXT NOT NULL DEFAULT '',
			is_read         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: message timeline index for history and daily stats",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);
		`,
	},
}

// RunMigrations applies all pending schema migrations, tracked in the
// schema_version table. Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	// Placeholders are positional literals here so the statement is valid in
	// both dialects without rebinding.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO schema_version (version, description, applied_at)
			VALUES (%d, '%s', %d) ON CONFLICT (version) DO NOTHING`,
			m.Version, strings.ReplaceAll(m.Description, "'", "''"), time.Now().UTC().UnixMilli()),
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
