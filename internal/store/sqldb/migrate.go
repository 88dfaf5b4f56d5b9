package sqldb

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"ticketing/scanner-service/internal/store/migrations"
)

// Migrate applies embedded schema files that are not yet recorded in
// schema_migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	files, dir, err := s.migrationFiles()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(191) PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, name := range files {
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return err
		}
		if err := s.applyMigration(ctx, name, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, name, content string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if strings.TrimSpace(content) != "" {
		if _, err = tx.ExecContext(ctx, content); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, name, toMicros(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrationFiles() ([]string, fs.FS, error) {
	var root fs.FS
	var err error
	switch s.dialect {
	case DialectMySQL:
		root, err = fs.Sub(migrations.MySQL, "mysql")
	case DialectSQLite:
		root, err = fs.Sub(migrations.SQLite, "sqlite")
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect %q", s.dialect)
	}
	if err != nil {
		return nil, nil, err
	}
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, root, nil
}
