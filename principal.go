package rowls

import (
	"fmt"
	"sort"
	"strconv"
)

// Role is the coarse grouping a principal acts under. The set is closed:
// policies are keyed on it and the extractor rejects anything else.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleCrew   Role = "crew"
	RoleClient Role = "client"
	RoleAnon   Role = "anon"
)

// Claim keys carried by non-admin roles.
const (
	ClaimCrewMemberID = "crew_member_id"
	ClaimContactID    = "contact_id"
)

// ScopedID is an identifier extracted from a verified token that scopes a
// principal to rows it owns directly or through relationships.
type ScopedID string

// Principal is the authenticated actor for one request: a role plus exactly
// the scoped identifiers that role grants. Constructed once per verified
// request and never mutated afterwards.
type Principal struct {
	Role   Role
	Claims map[string]ScopedID
}

// requiredClaims lists the scoped identifiers each role must present.
// Admin is global and anon is unidentified; neither carries a scoped ID.
var requiredClaims = map[Role][]string{
	RoleAdmin:  nil,
	RoleCrew:   {ClaimCrewMemberID},
	RoleClient: {ClaimContactID},
	RoleAnon:   nil,
}

// KnownRole reports whether r is one of the four roles policies may name.
func KnownRole(r Role) bool {
	_, ok := requiredClaims[r]
	return ok
}

// Claim returns the scoped identifier stored under key. The second return is
// false when the claim is absent; callers must treat absence as no-match,
// never as a wildcard.
func (p *Principal) Claim(key string) (ScopedID, bool) {
	if p == nil || p.Claims == nil {
		return "", false
	}
	id, ok := p.Claims[key]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ClaimKeys returns the populated claim keys in stable order, for logging.
func (p *Principal) ClaimKeys() []string {
	if p == nil || len(p.Claims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(p.Claims))
	for k := range p.Claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExtractPrincipal maps an already-signature-verified token payload to a
// typed Principal. It is a pure function: no lookups, no side effects.
//
// The payload must carry a "role" claim naming one of the known roles, and
// every scoped identifier that role requires. Claims the role does not grant
// are ignored rather than copied, so a stale or over-broad token can never
// widen access: the Principal carries exactly the scopes its role allows.
func ExtractPrincipal(payload map[string]any) (*Principal, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedClaims)
	}
	raw, ok := payload["role"]
	if !ok {
		return nil, fmt.Errorf("%w: role claim absent", ErrMalformedClaims)
	}
	roleStr, ok := raw.(string)
	if !ok || roleStr == "" {
		return nil, fmt.Errorf("%w: role claim is not a string", ErrMalformedClaims)
	}
	role := Role(roleStr)
	required, known := requiredClaims[role]
	if !known {
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedClaims, roleStr)
	}

	p := &Principal{Role: role}
	if len(required) > 0 {
		p.Claims = make(map[string]ScopedID, len(required))
		for _, key := range required {
			id, ok := scopedIDValue(payload[key])
			if !ok {
				return nil, fmt.Errorf("%w: role %s requires %s", ErrMissingScope, role, key)
			}
			p.Claims[key] = id
		}
	}
	return p, nil
}

// scopedIDValue converts a raw claim value to a ScopedID. Empty strings and
// nils are absent, not zero-valued: an empty ID must never equal anything.
func scopedIDValue(v any) (ScopedID, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return ScopedID(t), true
	case int:
		return ScopedID(strconv.Itoa(t)), true
	case int64:
		return ScopedID(strconv.FormatInt(t, 10)), true
	case float64:
		// JSON numbers decode as float64; scoped IDs are integral.
		return ScopedID(strconv.FormatInt(int64(t), 10)), true
	default:
		return "", false
	}
}
