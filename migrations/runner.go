// Package migrations manages the broker's database schema. Migration files
// are embedded in the binary and named {version}_{name}.{up|down}.sql.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// Runner applies embedded migrations against a live database.
type Runner struct {
	DB      *sql.DB
	Dialect string // "postgres", "mysql", "sqlite"
	Table   string
}

// NewRunner creates a runner over the broker's embedded schema.
func NewRunner(db *sql.DB, dialect string) *Runner {
	return &Runner{
		DB:      db,
		Dialect: dialect,
		Table:   "relaykit_migrations",
	}
}

func (r *Runner) ensureTable(ctx context.Context) error {
	var query string
	switch r.Dialect {
	case "postgres", "mysql":
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				version VARCHAR(14) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, r.Table)
	case "sqlite", "sqlite3":
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				version TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, r.Table)
	default:
		return fmt.Errorf("unsupported dialect: %s", r.Dialect)
	}

	_, err := r.DB.ExecContext(ctx, query)
	return err
}

func (r *Runner) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		fmt.Sprintf("SELECT version FROM %s", r.Table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// loadMigrations parses the embedded SQL files into ordered migrations.
func loadMigrations() ([]Migration, error) {
	byVersion := make(map[string]*Migration)

	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		base := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(base, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		stem := strings.TrimSuffix(strings.TrimSuffix(base, ".up.sql"), ".down.sql")
		version, name, ok := strings.Cut(stem, "_")
		if !ok {
			continue
		}

		content, err := fs.ReadFile(schemaFS, path.Join("sql", base))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", base, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if direction == "up" {
			m.UpSQL = string(content)
		} else {
			m.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Migrate applies every pending migration in version order.
func (r *Runner) Migrate(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] || m.UpSQL == "" {
			continue
		}
		if err := r.apply(ctx, m.UpSQL, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, r.rebind(
				fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES ($1, $2, $3)", r.Table)),
				m.Version, m.Name, time.Now())
			return err
		}); err != nil {
			return fmt.Errorf("applying %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recent n applied migrations.
func (r *Runner) Down(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("n must be positive")
	}
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for i := len(migrations) - 1; i >= 0 && n > 0; i-- {
		m := migrations[i]
		if !applied[m.Version] {
			continue
		}
		if m.DownSQL == "" {
			return fmt.Errorf("no down migration for %s_%s", m.Version, m.Name)
		}
		if err := r.apply(ctx, m.DownSQL, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, r.rebind(
				fmt.Sprintf("DELETE FROM %s WHERE version = $1", r.Table)), m.Version)
			return err
		}); err != nil {
			return fmt.Errorf("rolling back %s_%s: %w", m.Version, m.Name, err)
		}
		n--
	}
	return nil
}

// Status returns the applied and pending migration names.
func (r *Runner) Status(ctx context.Context) (applied, pending []string, err error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, nil, err
	}
	appliedMap, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, nil, err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}

	for _, m := range migrations {
		name := fmt.Sprintf("%s_%s", m.Version, m.Name)
		if appliedMap[m.Version] {
			applied = append(applied, name)
		} else if m.UpSQL != "" {
			pending = append(pending, name)
		}
	}
	return applied, pending, nil
}

// apply runs a migration statement and its bookkeeping in one transaction.
// MySQL DDL is not transactional, so there the statement runs bare and only
// the bookkeeping is wrapped.
func (r *Runner) apply(ctx context.Context, stmt string, record func(*sql.Tx) error) error {
	if r.Dialect == "mysql" {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if r.Dialect != "mysql" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Runner) rebind(query string) string {
	if r.Dialect == "postgres" {
		return query
	}
	for i := 1; i <= 3; i++ {
		query = strings.ReplaceAll(query, fmt.Sprintf("$%d", i), "?")
	}
	return query
}
