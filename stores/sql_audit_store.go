package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rowls"
)

// SQLAuditStore persists decision records in SQL. It implements
// rowls.AuditSink, so it can back the engine's async audit worker directly.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) Record(ctx context.Context, rec *rowls.DecisionRecord) error {
	scopedB, _ := json.Marshal(rec.ScopedIDs)
	failedB, _ := json.Marshal(rec.FailedPolicyIDs)
	traceB, _ := json.Marshal(rec.Trace)
	q := `INSERT INTO decision_log(id, trace_id, timestamp, role, scoped_ids_json, entity, operation, row_key, verdict, reason, matched_policy_id, failed_policy_ids_json, policy_version, trace_json, unpersisted) VALUES(:id, :trace_id, :timestamp, :role, :scoped_ids_json, :entity, :operation, :row_key, :verdict, :reason, :matched_policy_id, :failed_policy_ids_json, :policy_version, :trace_json, :unpersisted)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                     rec.ID,
		"trace_id":               rec.TraceID,
		"timestamp":              rec.Timestamp,
		"role":                   string(rec.Role),
		"scoped_ids_json":        string(scopedB),
		"entity":                 rec.Entity,
		"operation":              string(rec.Operation),
		"row_key":                rec.RowKey,
		"verdict":                string(rec.Verdict),
		"reason":                 string(rec.Reason),
		"matched_policy_id":      rec.MatchedPolicyID,
		"failed_policy_ids_json": string(failedB),
		"policy_version":         rec.PolicyVersion,
		"trace_json":             string(traceB),
		"unpersisted":            boolToInt(rec.Unpersisted),
	})
	return err
}

// Query returns recorded decisions matching the filter, oldest first.
func (s *SQLAuditStore) Query(ctx context.Context, filter rowls.AuditFilter) ([]*rowls.DecisionRecord, error) {
	q := `SELECT id, trace_id, timestamp, role, scoped_ids_json, entity, operation, row_key, verdict, reason, matched_policy_id, failed_policy_ids_json, policy_version, trace_json, unpersisted FROM decision_log WHERE 1=1`
	params := map[string]any{}
	if filter.Entity != "" {
		q += " AND entity = :entity"
		params["entity"] = filter.Entity
	}
	if filter.Role != "" {
		q += " AND role = :role"
		params["role"] = string(filter.Role)
	}
	if filter.Verdict != "" {
		q += " AND verdict = :verdict"
		params["verdict"] = string(filter.Verdict)
	}
	if filter.Reason != "" {
		q += " AND reason = :reason"
		params["reason"] = string(filter.Reason)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rowls.DecisionRecord, 0)
	for r.Next() {
		var id, traceID, role, scopedJSON, entity, operation, rowKey, verdict, reason, matchedPolicy, failedJSON, traceJSON string
		var timestampRaw any
		var policyVersion uint64
		var unpersistedInt int
		if err := r.Scan(&id, &traceID, &timestampRaw, &role, &scopedJSON, &entity, &operation, &rowKey, &verdict, &reason, &matchedPolicy, &failedJSON, &policyVersion, &traceJSON, &unpersistedInt); err != nil {
			return nil, err
		}
		rec := &rowls.DecisionRecord{
			ID:              id,
			TraceID:         traceID,
			Timestamp:       scanTime(timestampRaw),
			Role:            rowls.Role(role),
			Entity:          entity,
			Operation:       rowls.Operation(operation),
			RowKey:          rowKey,
			Verdict:         rowls.Verdict(verdict),
			Reason:          rowls.Reason(reason),
			MatchedPolicyID: matchedPolicy,
			PolicyVersion:   policyVersion,
			Unpersisted:     unpersistedInt != 0,
		}
		_ = json.Unmarshal([]byte(scopedJSON), &rec.ScopedIDs)
		_ = json.Unmarshal([]byte(failedJSON), &rec.FailedPolicyIDs)
		_ = json.Unmarshal([]byte(traceJSON), &rec.Trace)
		out = append(out, rec)
	}
	return out, nil
}

// Reconcile replays records the engine parked when the sink was unavailable.
// Each record is stored with its unpersisted flag cleared; the first failure
// stops the replay and returns the remainder untouched.
func (s *SQLAuditStore) Reconcile(ctx context.Context, records []*rowls.DecisionRecord) (int, error) {
	for i, rec := range records {
		rec.Unpersisted = false
		if err := s.Record(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(records), nil
}
