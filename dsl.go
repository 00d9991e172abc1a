package rowls

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// ParseDSL parses the line-oriented policy DSL. Each non-blank, non-comment
// line declares one policy:
//
//	policy <id> <entity> <role> <op[,op...]> <predicate>
//
// where <predicate> uses the same text syntax ParsePredicate accepts:
//
//	policy inv-client invoices client read row.contact_id == claim.contact_id
//	policy job-crew jobs crew read,update related(id->job_crew_assignments.job_id).crew_member_id == claim.crew_member_id
//	policy admin-all jobs admin create,read,update,delete true
//
// Lines starting with # are comments. Declaration order is preserved and
// becomes the OR-evaluation order within each (entity, role) pair.
func ParseDSL(data []byte) (*Config, error) {
	cfg := &Config{Version: 1}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[0] != "policy" {
			return nil, fmt.Errorf("line %d: expected 'policy <id> <entity> <role> <ops> <predicate>'", lineNo)
		}
		id, entity, role, opsField := fields[1], fields[2], fields[3], fields[4]
		predText := strings.Join(fields[5:], " ")

		ops, err := parseOperationList(opsField)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		pred, err := ParsePredicate(predText)
		if err != nil {
			return nil, fmt.Errorf("line %d: predicate: %w", lineNo, err)
		}
		spec, err := SpecFromPredicate(pred)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cfg.Policies = append(cfg.Policies, PolicySpec{
			ID:         id,
			Entity:     entity,
			Role:       Role(role),
			Operations: ops,
			Predicate:  spec,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseOperationList(s string) ([]Operation, error) {
	parts := strings.Split(s, ",")
	ops := make([]Operation, 0, len(parts))
	for _, part := range parts {
		op := Operation(strings.TrimSpace(part))
		if !knownOperations[op] {
			return nil, fmt.Errorf("unknown operation %q", part)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeDSL renders a config back into DSL lines, one per policy.
func EncodeDSL(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# rowls policies\n")
	for _, spec := range cfg.Policies {
		pred, err := spec.Predicate.Compile()
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", spec.ID, err)
		}
		ops := make([]string, len(spec.Operations))
		for i, op := range spec.Operations {
			ops[i] = string(op)
		}
		fmt.Fprintf(&buf, "policy %s %s %s %s %s\n",
			spec.ID, spec.Entity, spec.Role, strings.Join(ops, ","), pred.String())
	}
	return buf.Bytes(), nil
}
