package rowls

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Operation is one of the four row operations a policy may grant.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

var knownOperations = map[Operation]bool{
	OpCreate: true, OpRead: true, OpUpdate: true, OpDelete: true,
}

// Policy grants a role a set of operations on an entity, gated by a
// predicate. Policies are configuration data: they are loaded, compiled and
// swapped into the registry without recompiling the engine. Multiple
// policies for the same (entity, role) are OR-combined in registration
// order.
type Policy struct {
	ID         string
	Entity     string
	Role       Role
	Operations []Operation
	Predicate  Predicate
}

// Validate rejects policies that could never be matched or that would
// fail open.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy ID is required")
	}
	if p.Entity == "" {
		return fmt.Errorf("policy %s: entity is required", p.ID)
	}
	if !KnownRole(p.Role) {
		return fmt.Errorf("policy %s: unknown role %q", p.ID, p.Role)
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("policy %s: at least one operation is required", p.ID)
	}
	for _, op := range p.Operations {
		if !knownOperations[op] {
			return fmt.Errorf("policy %s: unknown operation %q", p.ID, op)
		}
	}
	if p.Predicate == nil {
		return fmt.Errorf("policy %s: predicate is required", p.ID)
	}
	return nil
}

func (p *Policy) allowsOperation(op Operation) bool {
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// CompiledPolicy pairs a policy with its predicate lowered to a closure.
// Compilation happens once per registry swap, not per decision.
type CompiledPolicy struct {
	Policy *Policy
	eval   compiledPredicate
}

// Evaluate runs the compiled predicate.
func (cp *CompiledPolicy) Evaluate(ec *EvalContext) (bool, error) {
	return cp.eval(ec)
}

type entityRole struct {
	entity string
	role   Role
}

// snapshot is one immutable generation of the policy set, pre-indexed by
// (entity, role). It is never mutated after Swap publishes it.
type snapshot struct {
	byEntityRole map[entityRole][]*CompiledPolicy
	count        int
	version      uint64
	loadedAt     time.Time
}

// Registry holds the current policy snapshot. Readers follow an atomic
// pointer and take no lock; a reload builds a whole new snapshot and swaps
// the pointer, so concurrent decisions never observe a partially loaded set.
type Registry struct {
	snap    atomic.Pointer[snapshot]
	version atomic.Uint64
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byEntityRole: map[entityRole][]*CompiledPolicy{}, loadedAt: time.Now()})
	return r
}

// Swap validates, compiles and indexes policies into a new snapshot, then
// publishes it atomically. On any validation error the current snapshot is
// left untouched. Registration order is preserved per (entity, role) pair;
// that order is the OR-evaluation order.
func (r *Registry) Swap(policies []*Policy) error {
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(policies))
	next := &snapshot{
		byEntityRole: make(map[entityRole][]*CompiledPolicy),
		count:        len(policies),
		version:      r.version.Add(1),
		loadedAt:     time.Now(),
	}
	for _, p := range policies {
		if seen[p.ID] {
			return fmt.Errorf("duplicate policy ID %q", p.ID)
		}
		seen[p.ID] = true
		key := entityRole{entity: p.Entity, role: p.Role}
		next.byEntityRole[key] = append(next.byEntityRole[key], &CompiledPolicy{
			Policy: p,
			eval:   compilePredicate(p.Predicate),
		})
	}
	r.snap.Store(next)
	return nil
}

// PoliciesFor returns the policies granting (entity, role, op) in
// registration order. An empty result means DENY: the registry is the only
// authority, there is no fallback to check elsewhere.
func (r *Registry) PoliciesFor(entity string, role Role, op Operation) []*CompiledPolicy {
	snap := r.snap.Load()
	indexed := snap.byEntityRole[entityRole{entity: entity, role: role}]
	if len(indexed) == 0 {
		return nil
	}
	out := make([]*CompiledPolicy, 0, len(indexed))
	for _, cp := range indexed {
		if cp.Policy.allowsOperation(op) {
			out = append(out, cp)
		}
	}
	return out
}

// Len returns the number of policies in the current snapshot.
func (r *Registry) Len() int { return r.snap.Load().count }

// Version returns the current snapshot's generation, useful for audit
// correlation across hot reloads.
func (r *Registry) Version() uint64 { return r.snap.Load().version }
