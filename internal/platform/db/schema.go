package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema rejects schema names that are not plain identifiers.
func ValidateSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return fmt.Errorf("invalid schema identifier: %q", schema)
	}
	return nil
}

// EnsureSchema creates schema if it does not exist and applies every
// pending migration to it.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) (int, error) {
	if err := ValidateSchema(schema); err != nil {
		return 0, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
	conn.Release()
	if err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}

	n, err := NewMigrator(pool, nil).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
