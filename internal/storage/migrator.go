package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// schemaConn is the subset of ClickHouseClient the migrator needs.
type schemaConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	queryRows(ctx context.Context, query string, args ...any) (rowScanner, error)
}

// Migrator applies the embedded ledger schema.
type Migrator struct {
	conn schemaConn
}

// NewMigrator creates a Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{conn: client}
}

// Run applies every migration not yet recorded in schema_migrations and
// returns the number applied.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	if err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("read applied migrations: %w", err)
	}

	n := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}

		slog.Info("applying migration", "version", mig.Version, "name", mig.Name)

		for _, stmt := range splitStatements(mig.SQL) {
			if isCommentOnly(stmt) {
				continue
			}
			if err := m.conn.Exec(ctx, stmt); err != nil {
				return n, fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
			}
		}

		if err := m.conn.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(mig.Version), mig.Name,
		); err != nil {
			return n, fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
		n++
	}

	slog.Info("schema up to date", "applied", n, "total", len(migrations))
	return n, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.conn.queryRows(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}
	return applied, rows.Err()
}

// loadMigrations reads the embedded NNN_name.sql files in version order.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		file := entry.Name()
		if !strings.HasSuffix(file, ".sql") {
			continue
		}

		var version int
		var name string
		if _, err := fmt.Sscanf(file, "%03d_%s", &version, &name); err != nil {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + file)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// splitStatements splits a script on semicolons outside quoted strings.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
		case quote == 0 && r == ';':
			flush()
			continue
		case quote != 0 && r == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				current.WriteRune(r)
				i++
			} else {
				quote = 0
			}
		}
		current.WriteRune(r)
	}
	flush()
	return statements
}
