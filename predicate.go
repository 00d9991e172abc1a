package rowls

import (
	"context"
	"fmt"
	"strings"
)

// Predicate is a boolean rule over a target row and a principal. Evaluation
// is deterministic and side-effect-free: predicates only read, through the
// RowSource the EvalContext carries.
type Predicate interface {
	Evaluate(ec *EvalContext) (bool, error)
	String() string
}

// EvalContext carries everything a predicate may consult.
type EvalContext struct {
	Ctx       context.Context
	Principal *Principal
	Row       Row
	Source    RowSource
}

// Always grants unconditionally. Used for admin full access and for public
// read policies on rows that are published by construction.
type Always struct{}

func (Always) Evaluate(*EvalContext) (bool, error) { return true, nil }
func (Always) String() string                      { return "true" }

// FieldEquals is direct ownership: the row's field equals the principal's
// scoped claim. A missing claim or missing/null field is false, never an
// error; absence must not satisfy anything through null-equals-null.
type FieldEquals struct {
	Field    string
	ClaimKey string
}

func (p *FieldEquals) Evaluate(ec *EvalContext) (bool, error) {
	claim, ok := ec.Principal.Claim(p.ClaimKey)
	if !ok {
		return false, nil
	}
	v, ok := ec.Row.Field(p.Field)
	if !ok {
		return false, nil
	}
	return valueEq(v, string(claim)), nil
}

func (p *FieldEquals) String() string {
	return "row." + p.Field + " == claim." + p.ClaimKey
}

// FieldIs compares a row field against a literal, e.g. status == "published".
// It carries no principal data and composes with And/Or for rules like
// "published AND owned".
type FieldIs struct {
	Field string
	Value any
}

func (p *FieldIs) Evaluate(ec *EvalContext) (bool, error) {
	v, ok := ec.Row.Field(p.Field)
	if !ok {
		return false, nil
	}
	return valueEq(v, p.Value), nil
}

func (p *FieldIs) String() string {
	if s, ok := p.Value.(string); ok {
		return fmt.Sprintf("row.%s == %q", p.Field, s)
	}
	return fmt.Sprintf("row.%s == %v", p.Field, p.Value)
}

// ExistsRelated is indirect ownership: the row reaches, via a chain of
// foreign-key hops, at least one row whose TerminalField equals the
// principal's claim. An empty hop result short-circuits to false; lookup
// failures propagate as *ResolutionError.
type ExistsRelated struct {
	Path          []Hop
	TerminalField string
	ClaimKey      string
}

func (p *ExistsRelated) Evaluate(ec *EvalContext) (bool, error) {
	claim, ok := ec.Principal.Claim(p.ClaimKey)
	if !ok {
		return false, nil
	}
	if ec.Source == nil {
		return false, newResolutionError(pathTarget(p.Path), p.TerminalField, fmt.Errorf("no row source configured"))
	}
	frontier, err := walkPath(ec.Ctx, ec.Source, ec.Row, p.Path)
	if err != nil {
		return false, err
	}
	for _, row := range frontier {
		v, ok := row.Field(p.TerminalField)
		if ok && valueEq(v, string(claim)) {
			return true, nil
		}
	}
	return false, nil
}

func (p *ExistsRelated) String() string {
	hops := make([]string, len(p.Path))
	for i, h := range p.Path {
		hops[i] = h.String()
	}
	return fmt.Sprintf("related(%s).%s == claim.%s", strings.Join(hops, "; "), p.TerminalField, p.ClaimKey)
}

func pathTarget(path []Hop) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1].TargetEntity
}

// And is true when every sub-predicate is, evaluated left to right and
// stopping at the first false to bound relationship-lookup cost.
type And struct {
	Preds []Predicate
}

func (p *And) Evaluate(ec *EvalContext) (bool, error) {
	for _, sub := range p.Preds {
		ok, err := sub.Evaluate(ec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p *And) String() string { return joinPreds(p.Preds, " and ") }

// Or is true when any sub-predicate is, stopping at the first true.
type Or struct {
	Preds []Predicate
}

func (p *Or) Evaluate(ec *EvalContext) (bool, error) {
	for _, sub := range p.Preds {
		ok, err := sub.Evaluate(ec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *Or) String() string { return joinPreds(p.Preds, " or ") }

func joinPreds(preds []Predicate, sep string) string {
	parts := make([]string, len(preds))
	for i, sub := range preds {
		parts[i] = sub.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// compiledPredicate is the closure form a policy's predicate is lowered to
// when a registry snapshot is built, so the tree walk happens once per swap
// instead of once per decision.
type compiledPredicate func(*EvalContext) (bool, error)

func compilePredicate(p Predicate) compiledPredicate {
	switch v := p.(type) {
	case nil:
		// Policies validate against nil predicates; fail closed regardless.
		return func(*EvalContext) (bool, error) { return false, nil }
	case Always, *Always:
		return func(*EvalContext) (bool, error) { return true, nil }
	case *FieldEquals:
		field, key := v.Field, v.ClaimKey
		return func(ec *EvalContext) (bool, error) {
			claim, ok := ec.Principal.Claim(key)
			if !ok {
				return false, nil
			}
			fv, ok := ec.Row.Field(field)
			if !ok {
				return false, nil
			}
			return valueEq(fv, string(claim)), nil
		}
	case *FieldIs:
		field, want := v.Field, v.Value
		return func(ec *EvalContext) (bool, error) {
			fv, ok := ec.Row.Field(field)
			if !ok {
				return false, nil
			}
			return valueEq(fv, want), nil
		}
	case *And:
		subs := make([]compiledPredicate, len(v.Preds))
		for i, sub := range v.Preds {
			subs[i] = compilePredicate(sub)
		}
		return func(ec *EvalContext) (bool, error) {
			for _, sub := range subs {
				ok, err := sub(ec)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}
	case *Or:
		subs := make([]compiledPredicate, len(v.Preds))
		for i, sub := range v.Preds {
			subs[i] = compilePredicate(sub)
		}
		return func(ec *EvalContext) (bool, error) {
			for _, sub := range subs {
				ok, err := sub(ec)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}
	default:
		// ExistsRelated and any caller-provided predicate evaluate dynamically.
		return p.Evaluate
	}
}
