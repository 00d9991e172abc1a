package stores

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rowls"
)

// RedisAuditPublisher publishes decision records to a Redis stream (key:
// rowls:decisions), for deployments that fan audit data out to a separate
// consumer instead of writing it locally. It implements rowls.AuditSink.
type RedisAuditPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisAuditPublisher(client *redis.Client) *RedisAuditPublisher {
	return &RedisAuditPublisher{client: client, stream: "rowls:decisions", maxLen: 100_000}
}

// WithStream overrides the stream key.
func (p *RedisAuditPublisher) WithStream(stream string) *RedisAuditPublisher {
	p.stream = stream
	return p
}

func (p *RedisAuditPublisher) Record(ctx context.Context, rec *rowls.DecisionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"record":   string(b),
			"trace_id": rec.TraceID,
			"entity":   rec.Entity,
			"verdict":  string(rec.Verdict),
		},
	}).Err()
}
