package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Copier is implemented by pools, connections and transactions.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// CopyEach streams items into table with the COPY protocol, converting each
// with row. It fails if the server reports fewer rows than were sent.
func CopyEach[T any](ctx context.Context, c Copier, table string, columns []string, items []T, row func(T) []any) error {
	if len(items) == 0 {
		return nil
	}

	src := pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		vals := row(items[i])
		if len(vals) != len(columns) {
			return nil, eris.Errorf("db: row %d has %d values for %d columns", i, len(vals), len(columns))
		}
		return vals, nil
	})

	n, err := c.CopyFrom(ctx, pgx.Identifier{table}, columns, src)
	if err != nil {
		return eris.Wrapf(err, "db: copy into %s", table)
	}
	if n != int64(len(items)) {
		return eris.Errorf("db: copy into %s wrote %d of %d rows", table, n, len(items))
	}
	return nil
}
