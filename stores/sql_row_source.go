package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rowls"
)

// TableSchema declares the columns a row-source lookup may select for one
// entity. Declaring columns up front keeps relationship lookups to a fixed
// projection and lets identifiers be validated before they reach SQL text.
type TableSchema struct {
	Table   string
	Columns []string
}

// SQLRowSource implements rowls.RowSource over squealx: one indexed equality
// lookup per foreign-key hop. Only entities registered in the schema map are
// queryable; everything else is a lookup error, which the engine surfaces as
// a retryable resolution failure rather than a deny-by-policy.
type SQLRowSource struct {
	db      *squealx.DB
	schemas map[string]TableSchema
}

func NewSQLRowSource(db *squealx.DB, schemas []TableSchema) (*SQLRowSource, error) {
	m := make(map[string]TableSchema, len(schemas))
	for _, schema := range schemas {
		if err := validIdentifier(schema.Table); err != nil {
			return nil, err
		}
		if len(schema.Columns) == 0 {
			return nil, fmt.Errorf("table %s: at least one column is required", schema.Table)
		}
		for _, col := range schema.Columns {
			if err := validIdentifier(col); err != nil {
				return nil, fmt.Errorf("table %s: %w", schema.Table, err)
			}
		}
		m[schema.Table] = schema
	}
	return &SQLRowSource{db: db, schemas: m}, nil
}

func (s *SQLRowSource) FetchRelated(ctx context.Context, entity, field string, value any) ([]rowls.Row, error) {
	schema, ok := s.schemas[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity: %s", entity)
	}
	if !schema.hasColumn(field) {
		return nil, fmt.Errorf("entity %s has no column %s", entity, field)
	}
	// identifiers are validated at construction; only :value is bound
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = :value",
		joinColumns(schema.Columns), schema.Table, field)
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"value": value})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]rowls.Row, 0)
	for r.Next() {
		dest := make([]any, len(schema.Columns))
		ptrs := make([]any, len(schema.Columns))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(rowls.Row, len(schema.Columns))
		for i, col := range schema.Columns {
			if b, ok := dest[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = dest[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (t TableSchema) hasColumn(name string) bool {
	for _, col := range t.Columns {
		if col == name {
			return true
		}
	}
	return false
}

func joinColumns(cols []string) string {
	out := ""
	for i, col := range cols {
		if i > 0 {
			out += ", "
		}
		out += col
	}
	return out
}

func validIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	for i, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_':
		case ch >= '0' && ch <= '9':
			if i == 0 {
				return fmt.Errorf("invalid identifier %q", s)
			}
		default:
			return fmt.Errorf("invalid identifier %q", s)
		}
	}
	return nil
}
