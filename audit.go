package rowls

import (
	"context"
	"sync"
	"time"
)

// Verdict is the outcome of one authorization decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Decision is what Decide returns to the caller.
type Decision struct {
	Verdict         Verdict
	Reason          Reason
	MatchedPolicyID string
	// FailedPolicyIDs lists the policies that were evaluated and did not
	// match, in evaluation order. Populated on every deny so the record can
	// say which rules rejected the row, not just that one did.
	FailedPolicyIDs []string
	// PolicyVersion is the registry snapshot generation the decision was
	// evaluated against, for reconstructing the policy set across hot
	// reloads.
	PolicyVersion uint64
	Trace         []string
	Timestamp     time.Time
	TraceID       string
}

// Allowed reports whether the decision grants access.
func (d *Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// DecisionRecord is the stable audit shape emitted for every decision.
// Records are immutable once emitted; retention and deletion are the audit
// pipeline's concern, not this core's.
type DecisionRecord struct {
	ID              string            `json:"id"`
	TraceID         string            `json:"trace_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Role            Role              `json:"role"`
	ScopedIDs       map[string]string `json:"scoped_ids,omitempty"`
	Entity          string            `json:"entity"`
	Operation       Operation         `json:"operation"`
	RowKey          string            `json:"row_key"`
	Verdict         Verdict           `json:"verdict"`
	Reason          Reason            `json:"reason"`
	MatchedPolicyID string            `json:"matched_policy_id,omitempty"`
	FailedPolicyIDs []string          `json:"failed_policy_ids,omitempty"`
	PolicyVersion   uint64            `json:"policy_version"`
	Trace           []string          `json:"trace,omitempty"`
	// Unpersisted marks records the sink could not take at decision time;
	// they are retained for reconciliation and never block the verdict.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// AuditSink receives decision records. Implementations must tolerate
// concurrent calls; failures are absorbed by the engine (best-effort), so a
// slow or down sink never changes a verdict.
type AuditSink interface {
	Record(ctx context.Context, rec *DecisionRecord) error
}

// AuditFilter narrows a query over recorded decisions.
type AuditFilter struct {
	Entity    string
	Role      Role
	Verdict   Verdict
	Reason    Reason
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (f AuditFilter) matches(rec *DecisionRecord) bool {
	if f.Entity != "" && rec.Entity != f.Entity {
		return false
	}
	if f.Role != "" && rec.Role != f.Role {
		return false
	}
	if f.Verdict != "" && rec.Verdict != f.Verdict {
		return false
	}
	if f.Reason != "" && rec.Reason != f.Reason {
		return false
	}
	if !f.StartTime.IsZero() && rec.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// MemoryAuditSink keeps records in memory, for tests and embedded use.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	records []*DecisionRecord
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{records: make([]*DecisionRecord, 0)}
}

func (s *MemoryAuditSink) Record(ctx context.Context, rec *DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemoryAuditSink) Records() []*DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DecisionRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Query returns records matching the filter, oldest first.
func (s *MemoryAuditSink) Query(filter AuditFilter) []*DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DecisionRecord, 0)
	for _, rec := range s.records {
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
