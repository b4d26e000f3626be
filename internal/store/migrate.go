package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order; each one is applied in its own transaction together
// with its schema_version row.
var migrations = []migration{
	{
		version: 1,
		name:    "blocks, messages, agents",
		stmts:   splitSQLStatements(schemaSQL),
	},
	{
		version: 2,
		name:    "enhanced block attributes",
		stmts: []string{
			`ALTER TABLE blocks ADD COLUMN embedding BLOB`,
			`ALTER TABLE blocks ADD COLUMN relevance_score REAL`,
			`ALTER TABLE blocks ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE blocks ADD COLUMN context_tags_json TEXT NOT NULL DEFAULT '[]'`,
			`ALTER TABLE blocks ADD COLUMN confidence_level REAL`,
			`ALTER TABLE blocks ADD COLUMN auto_generated INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE blocks ADD COLUMN last_accessed_at TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_blocks_relevance ON blocks(relevance_score)`,
		},
	},
}

// LatestSchemaVersion is the version a freshly opened store ends up at.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return storeErr("create schema_version", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("applied schema migration", "version", m.version, "name", m.name, "db", s.path)
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr(fmt.Sprintf("migration %d (%s)", m.version, m.name), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, formatTime(s.now()),
	); err != nil {
		return storeErr("record migration", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit migration", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for an empty database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, storeErr("read schema version", err)
	}
	return int(v.Int64), nil
}
