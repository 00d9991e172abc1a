package rowls

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePredicate parses the compact text form produced by Predicate.String.
// The syntax intentionally covers only the shapes the policy model defines:
//
//	true
//	row.<field> == claim.<key>
//	row.<field> == "<literal>" | <number> | true | false
//	related(<src>-><entity>.<key>[; ...]).<field> == claim.<key>
//	<pred> and <pred> [and ...]
//	<pred> or <pred> [or ...]
//
// Parentheses group sub-expressions; "and" binds tighter than "or".
func ParsePredicate(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	return parseOr(s)
}

func parseOr(s string) (Predicate, error) {
	parts := splitTopLevel(s, " or ")
	if len(parts) == 1 {
		return parseAnd(parts[0])
	}
	preds := make([]Predicate, 0, len(parts))
	for _, part := range parts {
		sub, err := parseAnd(part)
		if err != nil {
			return nil, err
		}
		preds = append(preds, sub)
	}
	return &Or{Preds: preds}, nil
}

func parseAnd(s string) (Predicate, error) {
	parts := splitTopLevel(s, " and ")
	if len(parts) == 1 {
		return parseAtom(parts[0])
	}
	preds := make([]Predicate, 0, len(parts))
	for _, part := range parts {
		sub, err := parseAtom(part)
		if err != nil {
			return nil, err
		}
		preds = append(preds, sub)
	}
	return &And{Preds: preds}, nil
}

func parseAtom(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if inner, ok := stripOuterParens(s); ok {
		return parseOr(inner)
	}
	if s == "true" {
		return Always{}, nil
	}
	if strings.HasPrefix(s, "related(") {
		return parseRelated(s)
	}
	if strings.HasPrefix(s, "row.") {
		return parseComparison(s)
	}
	return nil, fmt.Errorf("unsupported predicate syntax: %s", s)
}

// parseComparison handles row.<field> == claim.<key> and literal forms.
func parseComparison(s string) (Predicate, error) {
	left, right, ok := strings.Cut(s, "==")
	if !ok {
		return nil, fmt.Errorf("expected == in %q", s)
	}
	field := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(left), "row."))
	if field == "" || strings.ContainsAny(field, " ()") {
		return nil, fmt.Errorf("bad field in %q", s)
	}
	rhs := strings.TrimSpace(right)
	if key, ok := strings.CutPrefix(rhs, "claim."); ok {
		if key == "" {
			return nil, fmt.Errorf("bad claim key in %q", s)
		}
		return &FieldEquals{Field: field, ClaimKey: key}, nil
	}
	val, err := parseLiteral(rhs)
	if err != nil {
		return nil, fmt.Errorf("bad literal in %q: %w", s, err)
	}
	return &FieldIs{Field: field, Value: val}, nil
}

func parseLiteral(s string) (any, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strconv.Unquote(s)
	}
	if s == "true" || s == "false" {
		return s == "true", nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("unrecognized literal %q", s)
}

// parseRelated handles related(src->entity.key; ...).<field> == claim.<key>.
func parseRelated(s string) (Predicate, error) {
	rest := strings.TrimPrefix(s, "related(")
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil, fmt.Errorf("unterminated related(...) in %q", s)
	}
	pathText := rest[:end]
	tail := rest[end+1:]

	var path []Hop
	for _, hopText := range strings.Split(pathText, ";") {
		hop, err := parseHop(hopText)
		if err != nil {
			return nil, fmt.Errorf("in %q: %w", s, err)
		}
		path = append(path, hop)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("empty join path in %q", s)
	}

	// tail: .<field> == claim.<key>
	tail = strings.TrimSpace(tail)
	if !strings.HasPrefix(tail, ".") {
		return nil, fmt.Errorf("expected terminal field after related(...) in %q", s)
	}
	left, right, ok := strings.Cut(tail[1:], "==")
	if !ok {
		return nil, fmt.Errorf("expected == after terminal field in %q", s)
	}
	field := strings.TrimSpace(left)
	key, ok := strings.CutPrefix(strings.TrimSpace(right), "claim.")
	if field == "" || !ok || key == "" {
		return nil, fmt.Errorf("bad terminal comparison in %q", s)
	}
	return &ExistsRelated{Path: path, TerminalField: field, ClaimKey: key}, nil
}

// parseHop parses "<sourceKey>-><entity>.<targetKey>".
func parseHop(s string) (Hop, error) {
	s = strings.TrimSpace(s)
	src, target, ok := strings.Cut(s, "->")
	if !ok {
		return Hop{}, fmt.Errorf("bad hop %q: expected ->", s)
	}
	entity, key, ok := strings.Cut(strings.TrimSpace(target), ".")
	src = strings.TrimSpace(src)
	if !ok || src == "" || entity == "" || key == "" {
		return Hop{}, fmt.Errorf("bad hop %q: expected src->entity.key", s)
	}
	return Hop{SourceKey: src, TargetEntity: strings.TrimSpace(entity), TargetKey: strings.TrimSpace(key)}, nil
}

// splitTopLevel splits s on sep, ignoring occurrences nested in parentheses
// or double quotes.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	inQuote := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote:
			if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
				inQuote = false
			}
		case s[i] == '"':
			inQuote = true
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, strings.TrimSpace(s[last:i]))
			i += len(sep) - 1
			last = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(s[last:]))
	return parts
}

// stripOuterParens removes one level of parentheses when they enclose the
// whole expression.
func stripOuterParens(s string) (string, bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return s, false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return s, false
			}
		}
	}
	return strings.TrimSpace(s[1 : len(s)-1]), true
}
