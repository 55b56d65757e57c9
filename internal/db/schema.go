package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// Schema returns the reference schema for a driver.
func Schema(driver string) (string, error) {
	switch driver {
	case "postgres":
		return postgresSchema, nil
	case "sqlite3":
		return sqliteSchema, nil
	}
	return "", fmt.Errorf("no schema for driver %q", driver)
}

// ApplySchema creates the entry tables and, on Postgres, the NOTIFY triggers
// the change feed listens to.
func ApplySchema(ctx context.Context, conn *sql.DB, driver string) error {
	schema, err := Schema(driver)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply %s schema: %w", driver, err)
	}
	return nil
}
