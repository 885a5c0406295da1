package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the database connection used by the SQL snapshot backend
type DB struct {
	*sql.DB
	driver string
}

// Open creates a new database connection
func Open(cfg Config) (*DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, driver: cfg.Driver}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		db.createSnapshotsTable(),
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}

func (db *DB) createSnapshotsTable() string {
	jsonType := "TEXT"

	if db.driver == "postgres" {
		jsonType = "JSONB"
	}

	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS snapshots (
			name TEXT PRIMARY KEY,
			data %s NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`, jsonType)
}

func (db *DB) put(ctx context.Context, name string, data []byte) error {
	query := `
		INSERT INTO snapshots (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`

	if db.driver == "postgres" {
		query = `
			INSERT INTO snapshots (name, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		`
	}

	// JSONB columns reject bytea, so the document always travels as text
	if _, err := db.ExecContext(ctx, query, name, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}

	return nil
}

func (db *DB) get(ctx context.Context, name string) ([]byte, error) {
	query := "SELECT data FROM snapshots WHERE name = ?"
	if db.driver == "postgres" {
		query = "SELECT data FROM snapshots WHERE name = $1"
	}

	var data []byte
	err := db.QueryRowContext(ctx, query, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}

	return data, nil
}
