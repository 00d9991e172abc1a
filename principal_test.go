package rowls

import (
	"errors"
	"testing"
)

func TestExtractPrincipalPerRole(t *testing.T) {
	p, err := ExtractPrincipal(map[string]any{"role": "admin"})
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if p.Role != RoleAdmin || len(p.Claims) != 0 {
		t.Fatalf("admin should carry no scoped claims, got %+v", p)
	}

	p, err = ExtractPrincipal(map[string]any{"role": "crew", "crew_member_id": "42"})
	if err != nil {
		t.Fatalf("crew: %v", err)
	}
	if id, ok := p.Claim(ClaimCrewMemberID); !ok || id != "42" {
		t.Fatalf("expected crew_member_id=42, got %q ok=%v", id, ok)
	}

	p, err = ExtractPrincipal(map[string]any{"role": "client", "contact_id": 7})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if id, _ := p.Claim(ClaimContactID); id != "7" {
		t.Fatalf("expected numeric contact_id normalized to string, got %q", id)
	}

	p, err = ExtractPrincipal(map[string]any{"role": "anon"})
	if err != nil {
		t.Fatalf("anon: %v", err)
	}
	if len(p.ClaimKeys()) != 0 {
		t.Fatalf("anon should carry no claims")
	}
}

func TestExtractPrincipalRejectsMalformedRole(t *testing.T) {
	cases := []map[string]any{
		nil,
		{},
		{"role": ""},
		{"role": 5},
		{"role": "superuser"},
	}
	for _, payload := range cases {
		if _, err := ExtractPrincipal(payload); !errors.Is(err, ErrMalformedClaims) {
			t.Fatalf("payload %v: expected ErrMalformedClaims, got %v", payload, err)
		}
	}
}

func TestExtractPrincipalRejectsMissingScope(t *testing.T) {
	// crew without crew_member_id, including empty string and nil
	cases := []map[string]any{
		{"role": "crew"},
		{"role": "crew", "crew_member_id": ""},
		{"role": "crew", "crew_member_id": nil},
		{"role": "client"},
	}
	for _, payload := range cases {
		if _, err := ExtractPrincipal(payload); !errors.Is(err, ErrMissingScope) {
			t.Fatalf("payload %v: expected ErrMissingScope, got %v", payload, err)
		}
	}
}

func TestExtractPrincipalIgnoresUngrantedClaims(t *testing.T) {
	// a client token smuggling a crew_member_id must not gain crew scope
	p, err := ExtractPrincipal(map[string]any{
		"role":           "client",
		"contact_id":     "9",
		"crew_member_id": "42",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, ok := p.Claim(ClaimCrewMemberID); ok {
		t.Fatalf("client principal must not carry crew_member_id")
	}
}

func TestJSONNumericClaimNormalization(t *testing.T) {
	// JSON decoding hands numbers over as float64
	p, err := ExtractPrincipal(map[string]any{"role": "crew", "crew_member_id": float64(42)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if id, _ := p.Claim(ClaimCrewMemberID); id != "42" {
		t.Fatalf("expected 42, got %q", id)
	}
}
