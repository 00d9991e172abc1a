package rowls

// Reusable predicate templates. The reference design repeated near-identical
// ownership checks per table; declaring them once here keeps policies
// declarative data while removing the duplication.

// OwnedBy grants when the row's field equals the principal's scoped claim.
func OwnedBy(field, claimKey string) Predicate {
	return &FieldEquals{Field: field, ClaimKey: claimKey}
}

// OwnedVia grants when the row reaches, through the given join path, a row
// whose terminalField equals the principal's scoped claim. This is the
// parameterized owned-via-join shape shared by crew and client visibility
// rules.
func OwnedVia(path []Hop, terminalField, claimKey string) Predicate {
	return &ExistsRelated{Path: path, TerminalField: terminalField, ClaimKey: claimKey}
}

// PublicWhen grants when a row field carries a literal marker, e.g.
// PublicWhen("status", "published") for anonymous read access.
func PublicWhen(field string, value any) Predicate {
	return &FieldIs{Field: field, Value: value}
}

// AllOf and AnyOf compose templates into composite rules.
func AllOf(preds ...Predicate) Predicate { return &And{Preds: preds} }
func AnyOf(preds ...Predicate) Predicate { return &Or{Preds: preds} }

// PolicyBuilder provides a fluent API for declaring policies in code.
type PolicyBuilder struct {
	policy Policy
}

func NewPolicy(id string) *PolicyBuilder {
	return &PolicyBuilder{policy: Policy{ID: id}}
}

func (b *PolicyBuilder) ForEntity(entity string) *PolicyBuilder {
	b.policy.Entity = entity
	return b
}

func (b *PolicyBuilder) ForRole(role Role) *PolicyBuilder {
	b.policy.Role = role
	return b
}

func (b *PolicyBuilder) OnOperations(ops ...Operation) *PolicyBuilder {
	b.policy.Operations = append(b.policy.Operations, ops...)
	return b
}

func (b *PolicyBuilder) When(pred Predicate) *PolicyBuilder {
	b.policy.Predicate = pred
	return b
}

// Unconditional marks the policy as Always-granting (admin full access,
// public read of published rows).
func (b *PolicyBuilder) Unconditional() *PolicyBuilder {
	b.policy.Predicate = Always{}
	return b
}

// Build validates and returns the policy.
func (b *PolicyBuilder) Build() (*Policy, error) {
	p := b.policy
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
