package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// SchemaStatements splits the embedded schema into individual statements.
func SchemaStatements() []string {
	parts := strings.Split(schemaSQL, ";\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		stmt := strings.TrimSpace(part)
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// Migrate applies the schema inside one transaction. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: db is required")
	}
	return NewUnitOfWork(db).RunInTx(ctx, func(ctx context.Context) error {
		q := conn(ctx, db)
		for i, stmt := range SchemaStatements() {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("postgres: migrate statement %d: %w", i+1, WrapError("migrate", err))
			}
		}
		return nil
	})
}
