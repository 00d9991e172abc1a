package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rowls"
)

// SQLPolicyStore persists policies in SQL (squealx). Predicates are stored in
// their text form and re-parsed on load, so the table stays readable and the
// stored shape round-trips through the same parser the DSL uses. Every write
// appends a JSON snapshot to policy_history.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// CreatePolicy inserts a policy at the given position. Position orders
// policies within an (entity, role) pair; that order is the OR-evaluation
// order after LoadInto.
func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *rowls.Policy, position int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ops, _ := json.Marshal(p.Operations)
	now := time.Now()
	q := `INSERT INTO policies(id, entity, role, operations_json, predicate_text, position, created_at, updated_at) VALUES(:id, :entity, :role, :operations_json, :predicate_text, :position, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"entity":          p.Entity,
		"role":            string(p.Role),
		"operations_json": string(ops),
		"predicate_text":  p.Predicate.String(),
		"position":        position,
		"created_at":      now,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *rowls.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	// snapshot the pre-update state first (append-only history)
	if err := s.snapshotExistingPolicy(ctx, p.ID); err != nil {
		return err
	}
	ops, _ := json.Marshal(p.Operations)
	q := `UPDATE policies SET entity=:entity, role=:role, operations_json=:operations_json, predicate_text=:predicate_text, updated_at=:updated_at WHERE id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"entity":          p.Entity,
		"role":            string(p.Role),
		"operations_json": string(ops),
		"predicate_text":  p.Predicate.String(),
		"updated_at":      time.Now(),
	})
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*rowls.Policy, error) {
	q := `SELECT id, entity, role, operations_json, predicate_text FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy not found: %s", id)
	}
	return scanPolicy(r)
}

// ListPolicies returns every stored policy in position order.
func (s *SQLPolicyStore) ListPolicies(ctx context.Context) ([]*rowls.Policy, error) {
	q := `SELECT id, entity, role, operations_json, predicate_text FROM policies ORDER BY position ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rowls.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadInto reads the stored policy set and swaps it into the registry as one
// snapshot.
func (s *SQLPolicyStore) LoadInto(ctx context.Context, registry *rowls.Registry) error {
	policies, err := s.ListPolicies(ctx)
	if err != nil {
		return err
	}
	return registry.Swap(policies)
}

type policyScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r policyScanner) (*rowls.Policy, error) {
	var id, entity, role, opsJSON, predText string
	if err := r.Scan(&id, &entity, &role, &opsJSON, &predText); err != nil {
		return nil, err
	}
	var ops []rowls.Operation
	if err := json.Unmarshal([]byte(opsJSON), &ops); err != nil {
		return nil, fmt.Errorf("policy %s: operations: %w", id, err)
	}
	pred, err := rowls.ParsePredicate(predText)
	if err != nil {
		return nil, fmt.Errorf("policy %s: predicate: %w", id, err)
	}
	return &rowls.Policy{
		ID:         id,
		Entity:     entity,
		Role:       rowls.Role(role),
		Operations: ops,
		Predicate:  pred,
	}, nil
}

// snapshotExistingPolicy reads the current stored row and appends it to
// policy_history.
func (s *SQLPolicyStore) snapshotExistingPolicy(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *rowls.Policy) error {
	snap := map[string]any{
		"id":             p.ID,
		"entity":         p.Entity,
		"role":           string(p.Role),
		"operations":     p.Operations,
		"predicate_text": p.Predicate.String(),
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json) VALUES(:policy_id, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"policy_id": p.ID, "snapshot_json": string(b)})
	return err
}

// GetPolicyHistory returns the append-only snapshots for a policy, oldest
// first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*rowls.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY created_at ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rowls.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		var raw struct {
			ID            string            `json:"id"`
			Entity        string            `json:"entity"`
			Role          string            `json:"role"`
			Operations    []rowls.Operation `json:"operations"`
			PredicateText string            `json:"predicate_text"`
		}
		if err := json.Unmarshal([]byte(snap), &raw); err != nil {
			return nil, err
		}
		pred, err := rowls.ParsePredicate(raw.PredicateText)
		if err != nil {
			return nil, fmt.Errorf("policy %s history: %w", id, err)
		}
		out = append(out, &rowls.Policy{
			ID:         raw.ID,
			Entity:     raw.Entity,
			Role:       rowls.Role(raw.Role),
			Operations: raw.Operations,
			Predicate:  pred,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for policy %s", id)
	}
	return out, nil
}
