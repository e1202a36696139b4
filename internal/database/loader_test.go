package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type errQuerier struct{ err error }

func (q errQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, q.err
}

type row struct {
	ID string `json:"id"`
}

func TestTableLoader_Query(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		orderBy []string
		want    string
	}{
		{
			name:  "plain table",
			table: "facility_tasks",
			want:  `SELECT row_to_json(t) FROM "facility_tasks" t`,
		},
		{
			name:    "schema and order",
			table:   "public.facility_tasks",
			orderBy: []string{"created_at", "id"},
			want:    `SELECT row_to_json(t) FROM "public"."facility_tasks" t ORDER BY t."created_at", t."id"`,
		},
		{
			name:  "hostile identifier is quoted",
			table: `tasks"; DROP TABLE x; --`,
			want:  `SELECT row_to_json(t) FROM "tasks""; DROP TABLE x; --" t`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewTableLoader[row](nil, tt.table, tt.orderBy...)
			if got := l.Query(); got != tt.want {
				t.Errorf("Query() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTableLoader_QueryError(t *testing.T) {
	l := NewTableLoader[row](errQuerier{err: errors.New("connection refused")}, "facility_tasks")
	if _, err := l.Load(context.Background()); err == nil {
		t.Error("expected error")
	}
}
