// The migrate binary manages the auth subsystem schema with golang-migrate.
// Migrations live in migrations/ as numbered up/down SQL pairs; the applied
// version is tracked in schema_migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultTimeout = 5 * time.Minute

func main() {
	var (
		dbHost     = flag.String("db-host", getEnv("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.String("db-port", getEnv("DB_PORT", "5432"), "Database port")
		dbUser     = flag.String("db-user", getEnv("DB_USER", "postgres"), "Database user")
		dbPassword = flag.String("db-password", getEnv("DB_PASSWORD", ""), "Database password")
		dbName     = flag.String("db-name", getEnv("DB_NAME", "widenaturals_erp"), "Database name")
		dbSSLMode  = flag.String("db-sslmode", getEnv("DB_SSLMODE", "disable"), "Database SSL mode")
		path       = flag.String("path", getEnv("MIGRATIONS_PATH", "migrations"), "Migrations directory")
		timeout    = flag.Duration("timeout", defaultTimeout, "Timeout per migration")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Schema migration tool for the ERP auth subsystem.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N pending migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]     Roll back all or N migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version      Print the current migration version\n")
		fmt.Fprintf(os.Stderr, "  drop         Drop everything in the database (asks for confirmation)\n")
		fmt.Fprintf(os.Stderr, "  create NAME  Create a numbered up/down migration pair\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConnection settings fall back to the DB_* environment variables.\n")
	}

	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		*dbUser, *dbPassword, *dbHost, *dbPort, *dbName, *dbSSLMode)

	if err := run(dbURL, *path, *timeout, args[0], args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(dbURL, path string, timeout time.Duration, cmd string, args []string) error {
	// create works on the filesystem only; no database connection needed.
	if cmd == "create" {
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return createMigration(path, args[0])
	}

	m, err := newMigrate(dbURL, path, timeout)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "up":
		steps, err := optionalSteps(args)
		if err != nil {
			return err
		}
		return report(applySteps(m, steps, false))
	case "down":
		steps, err := optionalSteps(args)
		if err != nil {
			return err
		}
		return report(applySteps(m, steps, true))
	case "goto":
		if len(args) < 1 {
			return errors.New("goto requires a version number")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return report(m.Migrate(uint(v)))
	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version number")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		log.Printf("Forcing version to %d without running migrations", v)
		return m.Force(v)
	case "version":
		return showVersion(m)
	case "drop":
		return drop(m)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// applySteps runs m.Up/m.Down when steps is zero, m.Steps otherwise.
func applySteps(m *migrate.Migrate, steps int, down bool) error {
	switch {
	case steps > 0 && down:
		return m.Steps(-steps)
	case steps > 0:
		return m.Steps(steps)
	case down:
		return m.Down()
	default:
		return m.Up()
	}
}

// report folds ErrNoChange into a log line instead of a failure.
func report(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("Already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migration completed")
	return nil
}

func optionalSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps < 1 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return steps, nil
}

func showVersion(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations applied yet")
			return nil
		}
		return fmt.Errorf("failed to read version: %w", err)
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	log.Printf("Current version: %d%s", version, suffix)
	return nil
}

func drop(m *migrate.Migrate) error {
	log.Println("WARNING: this drops every table in the database.")
	log.Println("Type 'yes' to confirm:")

	var confirm string
	if _, err := fmt.Scanln(&confirm); err != nil || confirm != "yes" {
		log.Println("Aborted")
		return nil
	}
	if err := m.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}
	log.Println("Dropped")
	return nil
}

// createMigration writes the next numbered up/down pair into the migrations
// directory.
func createMigration(path, name string) error {
	next, err := nextMigrationNumber(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	for _, suffix := range []string{"up", "down"} {
		file := filepath.Join(path, fmt.Sprintf("%03d_%s.%s.sql", next, name, suffix))
		content := fmt.Sprintf("-- %s (%s)\n", name, suffix)
		if err := os.WriteFile(file, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", file, err)
		}
		log.Printf("Created %s", file)
	}
	return nil
}

func nextMigrationNumber(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	max := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &num); err == nil && num > max {
			max = num
		}
	}
	return max + 1, nil
}

func newMigrate(dbURL, path string, timeout time.Duration) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = timeout

	return m, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
