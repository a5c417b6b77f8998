package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaDDL string

// EnsureSchema applies the embedded DDL. Statements are idempotent
// (IF NOT EXISTS), so this is safe on an existing database. Production
// deployments use the migration tool instead; this backs tests and local
// bootstrap.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
