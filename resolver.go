package rowls

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Row is a candidate row (or the projection of one the data-access layer
// chose to expose). Field values may be strings or integers depending on the
// backing store; comparisons normalize scalars before testing equality.
type Row map[string]any

// Field returns the named field. Nil values count as absent so that a null
// column can never satisfy an equality check.
func (r Row) Field(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Key returns the row's primary identifier for audit records, or "" when the
// caller supplied a projection without one.
func (r Row) Key() string {
	if v, ok := r.Field("id"); ok {
		if s, ok := scalarString(v); ok {
			return s
		}
	}
	return ""
}

// RowSource is the lookup adapter the Relationship Resolver calls to walk a
// foreign-key hop: all rows of entity whose field equals value. The data
// access layer supplies it; implementations must be safe for concurrent use
// and must honour ctx cancellation.
type RowSource interface {
	FetchRelated(ctx context.Context, entity, field string, value any) ([]Row, error)
}

// Hop is one foreign-key traversal: take SourceKey from the current row set
// and look up rows of TargetEntity whose TargetKey equals it.
type Hop struct {
	SourceKey    string
	TargetEntity string
	TargetKey    string
}

func (h Hop) String() string {
	return h.SourceKey + "->" + h.TargetEntity + "." + h.TargetKey
}

// walkPath resolves a relationship chain starting from row. Any hop that
// yields zero rows short-circuits to an empty frontier. Lookup failures and
// an exceeded deadline surface as *ResolutionError, never as a silent miss.
func walkPath(ctx context.Context, source RowSource, row Row, path []Hop) ([]Row, error) {
	frontier := []Row{row}
	for _, hop := range path {
		if err := ctx.Err(); err != nil {
			return nil, newResolutionError(hop.TargetEntity, hop.TargetKey, err)
		}
		var next []Row
		for _, cur := range frontier {
			v, ok := cur.Field(hop.SourceKey)
			if !ok {
				continue
			}
			rows, err := source.FetchRelated(ctx, hop.TargetEntity, hop.TargetKey, v)
			if err != nil {
				return nil, newResolutionError(hop.TargetEntity, hop.TargetKey, err)
			}
			next = append(next, rows...)
		}
		if len(next) == 0 {
			return nil, nil
		}
		frontier = next
	}
	return frontier, nil
}

// scalarString normalizes a scalar field value for comparison. Rows may come
// from JSON (float64), sqlite (int64/[]byte) or in-memory fixtures (int,
// string); scoped IDs are always strings.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// valueEq compares two scalar values after normalization. Non-scalar or
// absent operands never compare equal.
func valueEq(a, b any) bool {
	as, ok := scalarString(a)
	if !ok {
		return false
	}
	bs, ok := scalarString(b)
	if !ok {
		return false
	}
	return as == bs
}

// MemoryRowSource is an in-memory RowSource for tests and small embedded
// deployments, holding rows per entity.
type MemoryRowSource struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

func NewMemoryRowSource() *MemoryRowSource {
	return &MemoryRowSource{tables: make(map[string][]Row)}
}

// Insert appends rows to an entity's table.
func (m *MemoryRowSource) Insert(entity string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[entity] = append(m.tables[entity], rows...)
}

// Delete removes rows whose field equals value.
func (m *MemoryRowSource) Delete(entity, field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tables[entity][:0]
	for _, row := range m.tables[entity] {
		v, ok := row.Field(field)
		if ok && valueEq(v, value) {
			continue
		}
		kept = append(kept, row)
	}
	m.tables[entity] = kept
}

func (m *MemoryRowSource) FetchRelated(ctx context.Context, entity, field string, value any) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.tables[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity: %s", entity)
	}
	var out []Row
	for _, row := range rows {
		v, ok := row.Field(field)
		if ok && valueEq(v, value) {
			out = append(out, row)
		}
	}
	return out, nil
}
