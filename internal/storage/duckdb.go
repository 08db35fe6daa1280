package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Storage provides database operations.
type Storage struct {
	db     *sql.DB
	dbPath string
}

// New creates a new Storage instance connected to DuckDB.
// If dbPath is empty, uses an in-memory database.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	// Verify connection works
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	s := &Storage{db: db, dbPath: dbPath}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the experiments metadata table if it doesn't exist.
// Device data tables are created lazily on first ingest for each
// (experiment, device) pair.
func (s *Storage) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, experimentsSchema)
	return err
}

// Health checks if the database connection is healthy.
func (s *Storage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Storage) DB() *sql.DB {
	return s.db
}
