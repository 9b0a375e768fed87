// Package sqlexec provides the reference SQLExecutor the SQL intent
// retriever runs bound-parameter queries through, grounded on the
// teacher's pgx/v5 pool usage in its repository layer.
package sqlexec

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxExecutor runs queries against a pgx connection pool.
type PgxExecutor struct {
	pool *pgxpool.Pool
}

func NewPgxExecutor(pool *pgxpool.Pool) *PgxExecutor {
	return &PgxExecutor{pool: pool}
}

func (e *PgxExecutor) Query(ctx context.Context, sql string, args []any) ([]map[string]any, []string, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, columns, nil
}
