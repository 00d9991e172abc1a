package rowls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rowls/logger"
)

// RedactFunc rewrites a scoped ID before it enters an audit record, for
// deployments whose audit pipeline must not carry raw identifiers.
type RedactFunc func(claimKey, value string) string

// Engine turns (principal, entity, operation, row) into an ALLOW/DENY
// decision. It holds no mutable state between calls except the registry
// snapshot pointer, so it is safe for unbounded concurrent use. Every call
// emits exactly one decision record.
type Engine struct {
	registry    *Registry
	source      RowSource
	sink        AuditSink
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	redact      RedactFunc

	auditCh     chan *DecisionRecord
	stopOnce    sync.Once
	closeMu     sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
	overflowMu  sync.Mutex
	overflow    []*DecisionRecord
	overflowCap int
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// WithRedactor installs a scoped-ID redactor applied to audit records.
func WithRedactor(f RedactFunc) EngineOption {
	return func(e *Engine) error {
		e.redact = f
		return nil
	}
}

// WithAuditBuffer sets the async audit channel depth.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("audit buffer must be positive, got %d", n)
		}
		e.auditCh = make(chan *DecisionRecord, n)
		return nil
	}
}

// WithOverflowCapacity bounds how many unpersisted records are retained for
// reconciliation before the oldest are discarded.
func WithOverflowCapacity(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("overflow capacity must be positive, got %d", n)
		}
		e.overflowCap = n
		return nil
	}
}

// NewEngine builds an engine over a registry snapshot holder, a relationship
// lookup source and an audit sink. The audit worker starts immediately;
// call Close to flush it on shutdown.
func NewEngine(registry *Registry, source RowSource, sink AuditSink, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	e := &Engine{
		registry:    registry,
		source:      source,
		sink:        sink,
		logger:      logger.NewPhusluLogger(),
		traceIDFunc: uuid.NewString,
		auditCh:     make(chan *DecisionRecord, 1024),
		overflowCap: 4096,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.wg.Add(1)
	go e.auditWorker()
	return e, nil
}

// Close stops accepting audit records and waits for the worker to drain.
// Decisions made after Close still return verdicts; their records are parked
// as unpersisted instead of sent to the sink.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		close(e.auditCh)
		e.closeMu.Unlock()
	})
	e.wg.Wait()
}

// DecideRequest is one unit of a batch evaluation.
type DecideRequest struct {
	Principal *Principal
	Entity    string
	Operation Operation
	Row       Row
}

// Decide is the single entry point for the data-access layer: every read and
// write path calls it before touching storage.
//
// A nil error with a deny verdict is a legitimate authorization denial. A
// *ResolutionError alongside the deny verdict means the denial came from a
// transient lookup failure and the call may be retried. Input errors
// (ErrMalformedClaims) abort without a verdict.
func (e *Engine) Decide(ctx context.Context, principal *Principal, entity string, op Operation, row Row) (*Decision, error) {
	return e.decide(ctx, principal, entity, op, row, false)
}

// Explain is Decide with a per-policy predicate trace attached, for audit
// review and debugging. The verdict path is identical.
func (e *Engine) Explain(ctx context.Context, principal *Principal, entity string, op Operation, row Row) (*Decision, error) {
	return e.decide(ctx, principal, entity, op, row, true)
}

// BatchDecide evaluates several requests sequentially, for data-access
// layers that post-filter row sets. It stops at the first input error.
func (e *Engine) BatchDecide(ctx context.Context, reqs []DecideRequest) ([]*Decision, error) {
	decisions := make([]*Decision, len(reqs))
	for i, req := range reqs {
		dec, err := e.Decide(ctx, req.Principal, req.Entity, req.Operation, req.Row)
		if err != nil && dec == nil {
			return nil, err
		}
		decisions[i] = dec
	}
	return decisions, nil
}

func (e *Engine) decide(ctx context.Context, principal *Principal, entity string, op Operation, row Row, includeTrace bool) (*Decision, error) {
	if principal == nil || !KnownRole(principal.Role) {
		return nil, fmt.Errorf("%w: no principal", ErrMalformedClaims)
	}
	if entity == "" {
		return nil, fmt.Errorf("entity is required")
	}
	if !knownOperations[op] {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	dec := &Decision{
		Verdict:       VerdictDeny,
		Timestamp:     time.Now(),
		TraceID:       e.traceIDFunc(),
		PolicyVersion: e.registry.Version(),
	}
	var trace []string
	tracef := func(format string, args ...any) {
		if includeTrace {
			trace = append(trace, fmt.Sprintf(format, args...))
		}
	}

	policies := e.registry.PoliciesFor(entity, principal.Role, op)

	// Admin Always policies short-circuit before any resolution work.
	if principal.Role == RoleAdmin {
		for _, cp := range policies {
			if isAlways(cp.Policy.Predicate) {
				tracef("policy=%s admin always ALLOW", cp.Policy.ID)
				dec.Verdict = VerdictAllow
				dec.Reason = ReasonAdminOverride
				dec.MatchedPolicyID = cp.Policy.ID
				dec.Trace = trace
				e.emit(ctx, principal, entity, op, row, dec)
				return dec, nil
			}
		}
	}

	if len(policies) == 0 {
		tracef("no policy for entity=%s role=%s op=%s", entity, principal.Role, op)
		dec.Reason = ReasonNoPolicy
		dec.Trace = trace
		e.emit(ctx, principal, entity, op, row, dec)
		return dec, nil
	}

	ec := &EvalContext{Ctx: ctx, Principal: principal, Row: row, Source: e.source}
	for _, cp := range policies {
		if err := ctx.Err(); err != nil {
			// Stop promptly; the record says cancelled, not denied-by-policy.
			dec.Reason = ReasonCancelled
			dec.Trace = trace
			e.emit(context.WithoutCancel(ctx), principal, entity, op, row, dec)
			return dec, err
		}
		matched, err := cp.Evaluate(ec)
		if err != nil {
			dec.FailedPolicyIDs = append(dec.FailedPolicyIDs, cp.Policy.ID)
			// A caller cancel surfacing through a lookup is a cancel, not a
			// storage failure.
			if errors.Is(err, context.Canceled) {
				tracef("policy=%s cancelled: %v", cp.Policy.ID, err)
				dec.Reason = ReasonCancelled
				dec.Trace = trace
				e.emit(context.WithoutCancel(ctx), principal, entity, op, row, dec)
				return dec, context.Canceled
			}
			var resErr *ResolutionError
			if !errors.As(err, &resErr) {
				resErr = newResolutionError(entity, "", err)
			}
			tracef("policy=%s resolution error: %v", cp.Policy.ID, err)
			dec.Reason = ReasonResolutionError
			dec.Trace = trace
			e.emit(context.WithoutCancel(ctx), principal, entity, op, row, dec)
			return dec, resErr
		}
		tracef("policy=%s predicate=%s result=%v", cp.Policy.ID, cp.Policy.Predicate.String(), matched)
		if matched {
			dec.Verdict = VerdictAllow
			dec.Reason = ReasonPolicyMatch
			dec.MatchedPolicyID = cp.Policy.ID
			dec.FailedPolicyIDs = nil
			dec.Trace = trace
			e.emit(ctx, principal, entity, op, row, dec)
			return dec, nil
		}
		dec.FailedPolicyIDs = append(dec.FailedPolicyIDs, cp.Policy.ID)
	}

	dec.Reason = ReasonPredicateFailed
	dec.Trace = trace
	e.emit(ctx, principal, entity, op, row, dec)
	return dec, nil
}

func isAlways(p Predicate) bool {
	switch p.(type) {
	case Always, *Always:
		return true
	}
	return false
}

// emit builds the decision record, logs it, and hands it to the async audit
// worker. The send never blocks: under backpressure the record is marked
// unpersisted and parked for reconciliation instead of stalling the caller.
func (e *Engine) emit(_ context.Context, principal *Principal, entity string, op Operation, row Row, dec *Decision) {
	rec := &DecisionRecord{
		ID:              uuid.NewString(),
		TraceID:         dec.TraceID,
		Timestamp:       dec.Timestamp,
		Role:            principal.Role,
		Entity:          entity,
		Operation:       op,
		RowKey:          row.Key(),
		Verdict:         dec.Verdict,
		Reason:          dec.Reason,
		MatchedPolicyID: dec.MatchedPolicyID,
		FailedPolicyIDs: dec.FailedPolicyIDs,
		PolicyVersion:   dec.PolicyVersion,
		Trace:           dec.Trace,
	}
	if len(principal.Claims) > 0 {
		rec.ScopedIDs = make(map[string]string, len(principal.Claims))
		for k, v := range principal.Claims {
			val := string(v)
			if e.redact != nil {
				val = e.redact(k, val)
			}
			rec.ScopedIDs[k] = val
		}
	}

	e.logger.Info("authorization decision",
		"trace_id", rec.TraceID,
		"role", string(rec.Role),
		"entity", entity,
		"operation", string(op),
		"row_key", rec.RowKey,
		"verdict", string(dec.Verdict),
		"reason", string(dec.Reason),
		"matched_policy", dec.MatchedPolicyID,
	)

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		rec.Unpersisted = true
		e.parkUnpersisted(rec)
		return
	}
	select {
	case e.auditCh <- rec:
	default:
		rec.Unpersisted = true
		e.parkUnpersisted(rec)
	}
}

func (e *Engine) auditWorker() {
	defer e.wg.Done()
	bg := context.Background()
	for rec := range e.auditCh {
		if err := e.sink.Record(bg, rec); err != nil {
			rec.Unpersisted = true
			e.parkUnpersisted(rec)
			e.logger.Error("audit sink failed", "record_id", rec.ID, "error", err.Error())
		}
	}
}

func (e *Engine) parkUnpersisted(rec *DecisionRecord) {
	e.overflowMu.Lock()
	defer e.overflowMu.Unlock()
	if len(e.overflow) >= e.overflowCap {
		e.overflow = e.overflow[1:]
	}
	e.overflow = append(e.overflow, rec)
}

// DrainUnpersisted returns and clears the records the sink could not take,
// so an operator or a reconciliation job can replay them.
func (e *Engine) DrainUnpersisted() []*DecisionRecord {
	e.overflowMu.Lock()
	defer e.overflowMu.Unlock()
	out := e.overflow
	e.overflow = nil
	return out
}
