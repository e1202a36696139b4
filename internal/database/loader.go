package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier is the part of a pool the loader needs. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TableLoader reads a whole table into []T.
type TableLoader[T any] struct {
	DB      Querier
	Table   string   // May be schema-qualified: "public.facility_tasks"
	OrderBy []string // Column names; empty means unordered
}

// NewTableLoader returns a loader for table ordered by the given columns.
func NewTableLoader[T any](db Querier, table string, orderBy ...string) *TableLoader[T] {
	return &TableLoader[T]{DB: db, Table: table, OrderBy: orderBy}
}

// Query returns the SQL the loader runs.
func (l *TableLoader[T]) Query() string {
	var b strings.Builder
	b.WriteString("SELECT row_to_json(t) FROM ")
	b.WriteString(pgx.Identifier(strings.Split(l.Table, ".")).Sanitize())
	b.WriteString(" t")
	if len(l.OrderBy) > 0 {
		cols := make([]string, len(l.OrderBy))
		for i, c := range l.OrderBy {
			cols[i] = "t." + pgx.Identifier{c}.Sanitize()
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(cols, ", "))
	}
	return b.String()
}

// Load fetches every row and decodes it into T.
func (l *TableLoader[T]) Load(ctx context.Context) ([]T, error) {
	rows, err := l.DB.Query(ctx, l.Query())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", l.Table, err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var raw []byte
		var item T
		if err := row.Scan(&raw); err != nil {
			return item, err
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return item, fmt.Errorf("decode row: %w", err)
		}
		return item, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.Table, err)
	}
	return items, nil
}
