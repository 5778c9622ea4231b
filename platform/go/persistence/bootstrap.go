package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/damien-schneider/reflect-os/database"
)

// ApplySchema applies the embedded core DDL in a single transaction.
// Statements are idempotent, so the helper is safe for CLI migrations and tests.
func ApplySchema(ctx context.Context, pool txBeginner) error {
	if pool == nil {
		return fmt.Errorf("apply schema: pool is required")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range sqlassets.Statements() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", mapPostgresError(err))
		}
	}

	return tx.Commit(ctx)
}
