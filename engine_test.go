package rowls

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/oarkflow/rowls/logger"
)

func testPolicies(t *testing.T) []*Policy {
	t.Helper()
	return []*Policy{
		mustPolicy(t, "admin-jobs", "jobs", RoleAdmin, []Operation{OpCreate, OpRead, OpUpdate, OpDelete}, Always{}),
		mustPolicy(t, "admin-invoices", "invoices", RoleAdmin, []Operation{OpCreate, OpRead, OpUpdate, OpDelete}, Always{}),
		mustPolicy(t, "crew-jobs", "jobs", RoleCrew, []Operation{OpRead, OpUpdate},
			OwnedVia([]Hop{{SourceKey: "id", TargetEntity: "job_crew_assignments", TargetKey: "job_id"}}, "crew_member_id", ClaimCrewMemberID)),
		mustPolicy(t, "client-invoices", "invoices", RoleClient, []Operation{OpRead},
			OwnedBy("contact_id", ClaimContactID)),
	}
}

func newTestEngine(t *testing.T, src RowSource) (*Engine, *MemoryAuditSink) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Swap(testPolicies(t)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	sink := NewMemoryAuditSink()
	eng, err := NewEngine(reg, src, sink, WithLogger(logger.NewNullLogger()), WithTraceIDFunc(func() string { return "trace-test" }))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, sink
}

func TestClientOwnRowAllowThenDeny(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())
	ctx := context.Background()

	dec, err := eng.Decide(ctx, clientPrincipal("7"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Allowed() || dec.Reason != ReasonPolicyMatch || dec.MatchedPolicyID != "client-invoices" {
		t.Fatalf("expected allow via client-invoices, got %+v", dec)
	}

	dec, err = eng.Decide(ctx, clientPrincipal("8"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed() || dec.Reason != ReasonPredicateFailed {
		t.Fatalf("expected predicate_failed deny, got %+v", dec)
	}

	eng.Close()
	recs := sink.Records()
	if len(recs) != 2 {
		t.Fatalf("expected exactly one record per decision, got %d", len(recs))
	}
	if recs[0].Verdict != VerdictAllow || recs[1].Verdict != VerdictDeny {
		t.Fatalf("record verdicts out of order: %v %v", recs[0].Verdict, recs[1].Verdict)
	}
	if recs[0].RowKey != "500" || recs[0].Entity != "invoices" {
		t.Fatalf("bad record identity: %+v", recs[0])
	}
}

func TestCrewAssignmentJoin(t *testing.T) {
	src := NewMemoryRowSource()
	src.Insert("job_crew_assignments", Row{"id": 10, "job_id": 1, "crew_member_id": "42"})
	eng, _ := newTestEngine(t, src)
	ctx := context.Background()

	dec, err := eng.Decide(ctx, crewPrincipal("42"), "jobs", OpRead, Row{"id": 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Allowed() || dec.MatchedPolicyID != "crew-jobs" {
		t.Fatalf("assigned crew should read the job, got %+v", dec)
	}

	dec, err = eng.Decide(ctx, crewPrincipal("43"), "jobs", OpRead, Row{"id": 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed() {
		t.Fatalf("unassigned crew must be denied, got %+v", dec)
	}

	// crew-jobs grants read and update but not delete
	dec, err = eng.Decide(ctx, crewPrincipal("42"), "jobs", OpDelete, Row{"id": 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed() || dec.Reason != ReasonNoPolicy {
		t.Fatalf("delete has no crew policy, got %+v", dec)
	}
}

func TestAdminOverrideSkipsResolution(t *testing.T) {
	// a broken source proves the admin path never resolves relationships
	eng, sink := newTestEngine(t, failingSource{err: fmt.Errorf("db down")})
	dec, err := eng.Decide(context.Background(), &Principal{Role: RoleAdmin}, "jobs", OpDelete, Row{"id": 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.Allowed() || dec.Reason != ReasonAdminOverride {
		t.Fatalf("expected admin_override, got %+v", dec)
	}
	eng.Close()
	if recs := sink.Records(); len(recs) != 1 || recs[0].Reason != ReasonAdminOverride {
		t.Fatalf("admin allow must still be audited, got %v", recs)
	}
}

func TestAnonNoPolicyDenies(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())
	dec, err := eng.Decide(context.Background(), &Principal{Role: RoleAnon}, "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed() || dec.Reason != ReasonNoPolicy {
		t.Fatalf("expected no_policy deny, got %+v", dec)
	}
	eng.Close()
	if recs := sink.Records(); len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
}

func TestDenyRecordNamesFailedPoliciesWithoutExplain(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Swap(testPolicies(t)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	sink := NewMemoryAuditSink()
	eng, err := NewEngine(reg, NewMemoryRowSource(), sink, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	// plain Decide, not Explain: the record must still say which policies
	// rejected the row and which snapshot they came from
	dec, err := eng.Decide(context.Background(), clientPrincipal("8"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed() || dec.Reason != ReasonPredicateFailed {
		t.Fatalf("expected predicate_failed deny, got %+v", dec)
	}
	if len(dec.FailedPolicyIDs) != 1 || dec.FailedPolicyIDs[0] != "client-invoices" {
		t.Fatalf("deny must name the failed policies, got %v", dec.FailedPolicyIDs)
	}
	if dec.PolicyVersion != reg.Version() {
		t.Fatalf("decision must carry the snapshot version %d, got %d", reg.Version(), dec.PolicyVersion)
	}

	eng.Close()
	recs := sink.Records()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if len(rec.FailedPolicyIDs) != 1 || rec.FailedPolicyIDs[0] != "client-invoices" {
		t.Fatalf("record must retain the failed policy IDs, got %v", rec.FailedPolicyIDs)
	}
	if rec.PolicyVersion != reg.Version() {
		t.Fatalf("record must retain the snapshot version, got %d", rec.PolicyVersion)
	}
}

func TestAllowRecordCarriesNoFailedPolicies(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())

	dec, err := eng.Decide(context.Background(), clientPrincipal("7"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil || !dec.Allowed() {
		t.Fatalf("decide: dec=%+v err=%v", dec, err)
	}
	if len(dec.FailedPolicyIDs) != 0 {
		t.Fatalf("allow should not list failed policies, got %v", dec.FailedPolicyIDs)
	}
	if dec.PolicyVersion == 0 {
		t.Fatalf("allow must still carry the snapshot version")
	}

	eng.Close()
	recs := sink.Records()
	if len(recs) != 1 || recs[0].MatchedPolicyID != "client-invoices" {
		t.Fatalf("unexpected records: %v", recs)
	}
}

type slowSource struct{ delay time.Duration }

func (s slowSource) FetchRelated(ctx context.Context, entity, field string, value any) ([]Row, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTimeoutIsResolutionErrorNotPredicateFailed(t *testing.T) {
	eng, sink := newTestEngine(t, slowSource{delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	dec, err := eng.Decide(ctx, crewPrincipal("42"), "jobs", OpRead, Row{"id": 1})
	if dec == nil || dec.Allowed() {
		t.Fatalf("timeout must deny, got %+v", dec)
	}
	if dec.Reason != ReasonResolutionError {
		t.Fatalf("expected resolution_error reason, got %s", dec.Reason)
	}
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected *ResolutionError, got %v", err)
	}
	if !resErr.Timeout() {
		t.Fatalf("expected deadline classification, err=%v", resErr)
	}

	eng.Close()
	recs := sink.Records()
	if len(recs) != 1 || recs[0].Reason != ReasonResolutionError {
		t.Fatalf("the failure must be audited as resolution_error, got %v", recs)
	}
}

func TestCancelMidResolutionIsCancelledNotResolutionError(t *testing.T) {
	eng, sink := newTestEngine(t, slowSource{delay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(10*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	// the cancel lands while FetchRelated is blocked, not between policies
	dec, err := eng.Decide(ctx, crewPrincipal("42"), "jobs", OpRead, Row{"id": 1})
	if dec == nil || dec.Allowed() {
		t.Fatalf("cancel must deny, got %+v", dec)
	}
	if dec.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled reason, got %s", dec.Reason)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	eng.Close()
	recs := sink.Records()
	if len(recs) != 1 || recs[0].Reason != ReasonCancelled {
		t.Fatalf("expected a cancelled record, got %v", recs)
	}
}

func TestCancelledBeforeEvaluation(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec, err := eng.Decide(ctx, clientPrincipal("7"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if dec == nil || dec.Allowed() || dec.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled deny, got %+v", dec)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	eng.Close()
	if recs := sink.Records(); len(recs) != 1 || recs[0].Reason != ReasonCancelled {
		t.Fatalf("cancellation must still produce a record, got %v", recs)
	}
}

func TestDecideRejectsBadInput(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())
	ctx := context.Background()

	if _, err := eng.Decide(ctx, nil, "jobs", OpRead, Row{}); !errors.Is(err, ErrMalformedClaims) {
		t.Fatalf("nil principal: expected ErrMalformedClaims, got %v", err)
	}
	if _, err := eng.Decide(ctx, &Principal{Role: "superuser"}, "jobs", OpRead, Row{}); !errors.Is(err, ErrMalformedClaims) {
		t.Fatalf("unknown role: expected ErrMalformedClaims, got %v", err)
	}
	if _, err := eng.Decide(ctx, clientPrincipal("7"), "", OpRead, Row{}); err == nil {
		t.Fatalf("empty entity must error")
	}
	if _, err := eng.Decide(ctx, clientPrincipal("7"), "jobs", "drop", Row{}); err == nil {
		t.Fatalf("unknown operation must error")
	}

	eng.Close()
	if recs := sink.Records(); len(recs) != 0 {
		t.Fatalf("input errors abort before any record, got %d", len(recs))
	}
}

func TestDecideIsIdempotent(t *testing.T) {
	src := NewMemoryRowSource()
	src.Insert("job_crew_assignments", Row{"id": 10, "job_id": 1, "crew_member_id": "42"})
	eng, _ := newTestEngine(t, src)
	ctx := context.Background()

	first, err := eng.Decide(ctx, crewPrincipal("42"), "jobs", OpRead, Row{"id": 1})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	for i := 0; i < 10; i++ {
		dec, err := eng.Decide(ctx, crewPrincipal("42"), "jobs", OpRead, Row{"id": 1})
		if err != nil {
			t.Fatalf("decide %d: %v", i, err)
		}
		if dec.Verdict != first.Verdict || dec.Reason != first.Reason || dec.MatchedPolicyID != first.MatchedPolicyID {
			t.Fatalf("decision drifted on repeat %d: %+v vs %+v", i, dec, first)
		}
	}
}

func TestExplainCarriesTrace(t *testing.T) {
	eng, _ := newTestEngine(t, NewMemoryRowSource())
	ctx := context.Background()

	dec, err := eng.Explain(ctx, clientPrincipal("8"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if dec.Allowed() || len(dec.Trace) == 0 {
		t.Fatalf("expected deny with trace, got %+v", dec)
	}

	// plain Decide keeps records lean
	dec, err = eng.Decide(ctx, clientPrincipal("8"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(dec.Trace) != 0 {
		t.Fatalf("decide should not build a trace, got %v", dec.Trace)
	}
}

func TestBatchDecide(t *testing.T) {
	eng, _ := newTestEngine(t, NewMemoryRowSource())
	reqs := []DecideRequest{
		{Principal: clientPrincipal("7"), Entity: "invoices", Operation: OpRead, Row: Row{"id": 1, "contact_id": "7"}},
		{Principal: clientPrincipal("7"), Entity: "invoices", Operation: OpRead, Row: Row{"id": 2, "contact_id": "8"}},
	}
	decs, err := eng.BatchDecide(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !decs[0].Allowed() || decs[1].Allowed() {
		t.Fatalf("expected allow,deny got %v,%v", decs[0].Verdict, decs[1].Verdict)
	}
}

type rejectingSink struct{}

func (rejectingSink) Record(context.Context, *DecisionRecord) error {
	return fmt.Errorf("sink unavailable")
}

func TestFailingSinkNeverChangesVerdictAndParksRecords(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Swap(testPolicies(t)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	eng, err := NewEngine(reg, NewMemoryRowSource(), rejectingSink{}, WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	dec, err := eng.Decide(context.Background(), clientPrincipal("7"), "invoices", OpRead, Row{"id": 1, "contact_id": "7"})
	if err != nil || !dec.Allowed() {
		t.Fatalf("sink failure must not affect the verdict: dec=%+v err=%v", dec, err)
	}

	eng.Close()
	parked := eng.DrainUnpersisted()
	if len(parked) != 1 || !parked[0].Unpersisted {
		t.Fatalf("record must be parked for reconciliation, got %v", parked)
	}
	if len(eng.DrainUnpersisted()) != 0 {
		t.Fatalf("drain must clear the overflow")
	}
}

func TestDecideAfterCloseParksRecord(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryRowSource())
	eng.Close()

	dec, err := eng.Decide(context.Background(), clientPrincipal("7"), "invoices", OpRead, Row{"id": 500, "contact_id": "7"})
	if err != nil || !dec.Allowed() {
		t.Fatalf("a closed engine still decides: dec=%+v err=%v", dec, err)
	}
	if len(sink.Records()) != 0 {
		t.Fatalf("the sink is stopped after Close")
	}
	parked := eng.DrainUnpersisted()
	if len(parked) != 1 || !parked[0].Unpersisted {
		t.Fatalf("post-close record must be parked, got %v", parked)
	}
}
