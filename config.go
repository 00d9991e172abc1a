package rowls

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the external policy configuration schema: a versioned list of
// policy declarations with predicate trees. Storage of the document itself
// (file, table, admin API) is the caller's concern; this core defines the
// schema and the load/swap contract.
type Config struct {
	Version  int          `json:"version" yaml:"version"`
	Policies []PolicySpec `json:"policies" yaml:"policies"`
}

// PolicySpec is the serialized form of one Policy.
type PolicySpec struct {
	ID         string        `json:"id" yaml:"id"`
	Entity     string        `json:"entity" yaml:"entity"`
	Role       Role          `json:"role" yaml:"role"`
	Operations []Operation   `json:"operations" yaml:"operations"`
	Predicate  PredicateSpec `json:"predicate" yaml:"predicate"`
}

// PredicateSpec is a tagged predicate tree node: exactly one branch set.
type PredicateSpec struct {
	Always        bool               `json:"always,omitempty" yaml:"always,omitempty"`
	FieldEquals   *FieldEqualsSpec   `json:"field_equals,omitempty" yaml:"field_equals,omitempty"`
	FieldIs       *FieldIsSpec       `json:"field_is,omitempty" yaml:"field_is,omitempty"`
	ExistsRelated *ExistsRelatedSpec `json:"exists_related,omitempty" yaml:"exists_related,omitempty"`
	All           []PredicateSpec    `json:"all,omitempty" yaml:"all,omitempty"`
	Any           []PredicateSpec    `json:"any,omitempty" yaml:"any,omitempty"`
}

type FieldEqualsSpec struct {
	Field string `json:"field" yaml:"field"`
	Claim string `json:"claim" yaml:"claim"`
}

type FieldIsSpec struct {
	Field string `json:"field" yaml:"field"`
	Value any    `json:"value" yaml:"value"`
}

type ExistsRelatedSpec struct {
	Path  []HopSpec `json:"path" yaml:"path"`
	Field string    `json:"field" yaml:"field"`
	Claim string    `json:"claim" yaml:"claim"`
}

type HopSpec struct {
	SourceKey string `json:"source_key" yaml:"source_key"`
	Entity    string `json:"entity" yaml:"entity"`
	TargetKey string `json:"target_key" yaml:"target_key"`
}

// Compile converts the spec tree into a Predicate.
func (s PredicateSpec) Compile() (Predicate, error) {
	branches := 0
	if s.Always {
		branches++
	}
	if s.FieldEquals != nil {
		branches++
	}
	if s.FieldIs != nil {
		branches++
	}
	if s.ExistsRelated != nil {
		branches++
	}
	if len(s.All) > 0 {
		branches++
	}
	if len(s.Any) > 0 {
		branches++
	}
	if branches != 1 {
		return nil, fmt.Errorf("predicate node must set exactly one of always/field_equals/field_is/exists_related/all/any")
	}
	switch {
	case s.Always:
		return Always{}, nil
	case s.FieldEquals != nil:
		if s.FieldEquals.Field == "" || s.FieldEquals.Claim == "" {
			return nil, fmt.Errorf("field_equals requires field and claim")
		}
		return &FieldEquals{Field: s.FieldEquals.Field, ClaimKey: s.FieldEquals.Claim}, nil
	case s.FieldIs != nil:
		if s.FieldIs.Field == "" {
			return nil, fmt.Errorf("field_is requires field")
		}
		return &FieldIs{Field: s.FieldIs.Field, Value: s.FieldIs.Value}, nil
	case s.ExistsRelated != nil:
		spec := s.ExistsRelated
		if len(spec.Path) == 0 || spec.Field == "" || spec.Claim == "" {
			return nil, fmt.Errorf("exists_related requires path, field and claim")
		}
		path := make([]Hop, len(spec.Path))
		for i, h := range spec.Path {
			if h.SourceKey == "" || h.Entity == "" || h.TargetKey == "" {
				return nil, fmt.Errorf("exists_related hop %d incomplete", i)
			}
			path[i] = Hop{SourceKey: h.SourceKey, TargetEntity: h.Entity, TargetKey: h.TargetKey}
		}
		return &ExistsRelated{Path: path, TerminalField: spec.Field, ClaimKey: spec.Claim}, nil
	case len(s.All) > 0:
		preds, err := compileSpecs(s.All)
		if err != nil {
			return nil, err
		}
		return &And{Preds: preds}, nil
	default:
		preds, err := compileSpecs(s.Any)
		if err != nil {
			return nil, err
		}
		return &Or{Preds: preds}, nil
	}
}

func compileSpecs(specs []PredicateSpec) ([]Predicate, error) {
	preds := make([]Predicate, len(specs))
	for i, spec := range specs {
		p, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		preds[i] = p
	}
	return preds, nil
}

// SpecFromPredicate converts a Predicate back into its serializable form.
func SpecFromPredicate(p Predicate) (PredicateSpec, error) {
	switch v := p.(type) {
	case Always, *Always:
		return PredicateSpec{Always: true}, nil
	case *FieldEquals:
		return PredicateSpec{FieldEquals: &FieldEqualsSpec{Field: v.Field, Claim: v.ClaimKey}}, nil
	case *FieldIs:
		return PredicateSpec{FieldIs: &FieldIsSpec{Field: v.Field, Value: v.Value}}, nil
	case *ExistsRelated:
		path := make([]HopSpec, len(v.Path))
		for i, h := range v.Path {
			path[i] = HopSpec{SourceKey: h.SourceKey, Entity: h.TargetEntity, TargetKey: h.TargetKey}
		}
		return PredicateSpec{ExistsRelated: &ExistsRelatedSpec{Path: path, Field: v.TerminalField, Claim: v.ClaimKey}}, nil
	case *And:
		specs, err := specsFromPredicates(v.Preds)
		if err != nil {
			return PredicateSpec{}, err
		}
		return PredicateSpec{All: specs}, nil
	case *Or:
		specs, err := specsFromPredicates(v.Preds)
		if err != nil {
			return PredicateSpec{}, err
		}
		return PredicateSpec{Any: specs}, nil
	default:
		return PredicateSpec{}, fmt.Errorf("predicate %T has no serialized form", p)
	}
}

func specsFromPredicates(preds []Predicate) ([]PredicateSpec, error) {
	specs := make([]PredicateSpec, len(preds))
	for i, p := range preds {
		s, err := SpecFromPredicate(p)
		if err != nil {
			return nil, err
		}
		specs[i] = s
	}
	return specs, nil
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Build compiles every policy spec, preserving declaration order.
func (c *Config) Build() ([]*Policy, error) {
	policies := make([]*Policy, 0, len(c.Policies))
	for _, spec := range c.Policies {
		pred, err := spec.Predicate.Compile()
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", spec.ID, err)
		}
		p := &Policy{
			ID:         spec.ID,
			Entity:     spec.Entity,
			Role:       spec.Role,
			Operations: spec.Operations,
			Predicate:  pred,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// Apply compiles the config and swaps it into the registry atomically:
// readers either see the previous snapshot or this one, never a mixture.
func (c *Config) Apply(registry *Registry) error {
	policies, err := c.Build()
	if err != nil {
		return err
	}
	return registry.Swap(policies)
}

// ConfigFromPolicies builds a serializable Config from live policies, for
// export and round-tripping.
func ConfigFromPolicies(policies []*Policy) (*Config, error) {
	cfg := &Config{Version: 1, Policies: make([]PolicySpec, 0, len(policies))}
	for _, p := range policies {
		spec, err := SpecFromPredicate(p.Predicate)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		cfg.Policies = append(cfg.Policies, PolicySpec{
			ID:         p.ID,
			Entity:     p.Entity,
			Role:       p.Role,
			Operations: p.Operations,
			Predicate:  spec,
		})
	}
	return cfg, nil
}
