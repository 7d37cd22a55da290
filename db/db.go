package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib" // registers the "pgx" driver
)

const queryAccounts = `
	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		balance NUMERIC NOT NULL DEFAULT 0
	);`

// Open connects to Postgres through the pgx driver and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Initialize creates the accounts table if it does not exist.
func Initialize(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, queryAccounts); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}
