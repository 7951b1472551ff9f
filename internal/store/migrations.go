package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// revision is one embedded schema script. Revisions apply in order inside a
// transaction each; applied ids are recorded in schema_migrations so a new
// binary can open an older database and pick up where it left off.
type revision struct {
	id     int
	name   string
	script string
}

var revisions = []revision{
	{id: 1, name: "initial_schema", script: initialSchema},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("init schema_migrations: %w", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("read applied revisions: %w", err)
	}

	for _, rev := range revisions {
		if rev.id <= applied {
			continue
		}
		if err := applyRevision(ctx, db, rev); err != nil {
			return err
		}
	}
	return nil
}

func applyRevision(ctx context.Context, db *sql.DB, rev revision) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("revision %d: begin: %w", rev.id, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(rev.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("revision %d (%s): %w", rev.id, rev.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, name) VALUES (?, ?)`, rev.id, rev.name); err != nil {
		return fmt.Errorf("revision %d: record: %w", rev.id, err)
	}
	return tx.Commit()
}

// sqlStatements cuts an embedded script into executable statements, stripping
// line comments first so a commented-out semicolon cannot split a statement.
func sqlStatements(script string) []string {
	var out []string
	var buf strings.Builder
	flush := func() {
		stmt := strings.TrimSpace(buf.String())
		buf.Reset()
		if stmt != "" && stmt != ";" {
			out = append(out, stmt)
		}
	}
	for _, line := range strings.Split(script, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if strings.HasSuffix(strings.TrimRight(line, " \t"), ";") {
			flush()
		}
	}
	flush()
	return out
}
