package rowls

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedClaims indicates the token payload carried no role, or a role
// outside the known set. It is an input error, not a denial: callers should
// reject the request, not report access-denied.
var ErrMalformedClaims = errors.New("malformed claims")

// ErrMissingScope indicates the role requires a scoped identifier claim that
// the payload did not carry (e.g. role=crew without crew_member_id).
var ErrMissingScope = errors.New("missing scoped claim")

// Reason classifies why a decision came out the way it did.
type Reason string

const (
	ReasonAdminOverride   Reason = "admin_override"
	ReasonPolicyMatch     Reason = "policy_match"
	ReasonNoPolicy        Reason = "no_policy"
	ReasonPredicateFailed Reason = "predicate_failed"
	ReasonResolutionError Reason = "resolution_error"
	ReasonCancelled       Reason = "cancelled"
)

// ResolutionError wraps a transient lookup failure (storage error, deadline,
// cancellation) encountered while walking a relationship path. The engine
// denies on it, but callers can detect it with errors.As and retry instead of
// treating the outcome as a permanent authorization rejection.
type ResolutionError struct {
	Entity string
	Field  string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s.%s: %v", e.Entity, e.Field, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by an expired deadline.
func (e *ResolutionError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Retryable is true for every resolution error by definition; it exists so
// callers holding a plain error can assert the behaviour they care about.
func (e *ResolutionError) Retryable() bool { return true }

func newResolutionError(entity, field string, err error) *ResolutionError {
	return &ResolutionError{Entity: entity, Field: field, Err: err}
}
