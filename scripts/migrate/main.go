// Command migrate applies the SQL migrations under scripts/migrations
// to a PostgreSQL database, tracking progress in schema_migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

type migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
		dir         = flag.String("migrations-path", "scripts/migrations", "Path to migrations directory")
	)
	flag.Parse()

	if *databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable or --database-url flag is required")
	}
	if flag.NArg() < 1 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	migrations, err := loadMigrations(*dir)
	if err != nil {
		return err
	}

	switch cmd := flag.Arg(0); cmd {
	case "up":
		return migrateUp(ctx, pool, migrations)
	case "down":
		steps := 1
		if flag.NArg() > 1 {
			steps, err = strconv.Atoi(flag.Arg(1))
			if err != nil {
				return fmt.Errorf("invalid number of steps %q: %w", flag.Arg(1), err)
			}
		}
		return migrateDown(ctx, pool, migrations, steps)
	case "status":
		return showStatus(ctx, pool, migrations)
	case "version":
		version, err := currentVersion(ctx, pool)
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Printf("Current migration version: %d\n", version)
		return nil
	case "force":
		if flag.NArg() < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", flag.Arg(1), err)
		}
		return forceVersion(ctx, pool, version)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Run all pending migrations
  down [n]       Rollback n migrations (default: 1)
  status         Show migration status
  version        Show current migration version
  force <n>      Force set migration version (removes dirty state)

Options:
  --database-url    PostgreSQL connection URL (or set DATABASE_URL env var)
  --migrations-path Path to migrations directory (default: scripts/migrations)`)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dirty BOOLEAN NOT NULL DEFAULT FALSE
		)
	`, migrationsTable))
	return err
}

// loadMigrations reads NNN_name.up.sql / NNN_name.down.sql pairs and
// returns them sorted by version.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		isUp := strings.HasSuffix(rest, ".up.sql")
		isDown := strings.HasSuffix(rest, ".down.sql")
		if !isUp && !isDown {
			continue
		}

		m := byVersion[version]
		if m == nil {
			base := strings.TrimSuffix(strings.TrimSuffix(rest, ".up.sql"), ".down.sql")
			m = &migration{Version: version, Name: base}
			byVersion[version] = m
		}
		if isUp {
			m.UpPath = filepath.Join(dir, name)
		} else {
			m.DownPath = filepath.Join(dir, name)
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" {
			return nil, fmt.Errorf("migration %d (%s) has no up file", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	err := pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE NOT dirty`, migrationsTable),
	).Scan(&version)
	return version, err
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// migrateUp applies each pending migration in its own transaction. The
// version row is inserted dirty first so an interrupted run is visible
// in status output and blocks currentVersion until forced.
func migrateUp(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		pending++

		fmt.Printf("Applying migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.UpPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, TRUE)`, migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to mark migration %d as dirty: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET dirty = FALSE, applied_at = NOW() WHERE version = $1`, migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to mark migration %d as clean: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	if pending == 0 {
		fmt.Println("No pending migrations.")
	} else {
		fmt.Printf("Applied %d migration(s).\n", pending)
	}
	return nil
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, migrations []migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	reversed := make([]migration, len(migrations))
	copy(reversed, migrations)
	sort.Slice(reversed, func(i, j int) bool {
		return reversed[i].Version > reversed[j].Version
	})

	rolledBack := 0
	for _, m := range reversed {
		if !applied[m.Version] || rolledBack >= steps {
			continue
		}
		if m.DownPath == "" {
			return fmt.Errorf("migration %d has no down file", m.Version)
		}

		fmt.Printf("Rolling back migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.DownPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d down file: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute rollback for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable), m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to delete migration %d record: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit rollback for migration %d: %w", m.Version, err)
		}
		rolledBack++
	}

	if rolledBack == 0 {
		fmt.Println("No migrations to roll back.")
	} else {
		fmt.Printf("Rolled back %d migration(s).\n", rolledBack)
	}
	return nil
}

func showStatus(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	rows, err := pool.Query(ctx,
		fmt.Sprintf(`SELECT version, applied_at, dirty FROM %s ORDER BY version`, migrationsTable))
	if err != nil {
		return err
	}
	defer rows.Close()

	type record struct {
		AppliedAt time.Time
		Dirty     bool
	}
	appliedMap := make(map[int]record)
	for rows.Next() {
		var version int
		var rec record
		if err := rows.Scan(&version, &rec.AppliedAt, &rec.Dirty); err != nil {
			return err
		}
		appliedMap[version] = rec
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fmt.Printf("%-8s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, m := range migrations {
		status := "pending"
		appliedAt := ""
		if rec, ok := appliedMap[m.Version]; ok {
			status = "applied"
			if rec.Dirty {
				status = "dirty"
			}
			appliedAt = rec.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-8d %-40s %-10s %s\n", m.Version, m.Name, status, appliedAt)
	}

	version, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("\nCurrent version: %d, total migrations: %d\n", version, len(migrations))
	return nil
}

// forceVersion rewrites the migrations table to claim every version up
// to the given one is applied clean. Use after fixing a dirty failure
// by hand.
func forceVersion(ctx context.Context, pool *pgxpool.Pool, version int) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, migrationsTable)); err != nil {
		return fmt.Errorf("failed to clear migrations table: %w", err)
	}
	for v := 1; v <= version; v++ {
		if _, err := pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, FALSE)`, migrationsTable), v); err != nil {
			return fmt.Errorf("failed to insert version %d: %w", v, err)
		}
	}
	fmt.Printf("Forced migration version to %d\n", version)
	return nil
}
