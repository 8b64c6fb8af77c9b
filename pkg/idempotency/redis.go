package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript claims a key atomically: if absent it stores the pending
// record with a TTL, otherwise it returns the existing record for the caller
// to evaluate.
// KEYS[1] = record key, ARGV[1] = pending record JSON, ARGV[2] = ttl millis
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    return cur
end
redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[2]))
return ""
`)

// completeScript finalizes a pending record without touching its TTL.
// KEYS[1] = record key, ARGV[1] = completed record JSON
var completeScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "KEEPTTL")
return 1
`)

// releaseScript deletes a record only while it is still pending.
// KEYS[1] = record key
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local rec = cjson.decode(cur)
if rec["status"] == "pending" then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// RedisStore keeps idempotency records in Redis with the TTL enforced by the
// server, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr. ttl bounds how long records replay.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, ttl: ttl}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("idempotency: redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) recordKey(key string) string {
	return "keel:idem:" + key
}

func (s *RedisStore) Claim(ctx context.Context, key, requestHash string, now time.Time) (*Claim, error) {
	rec := pendingRecord(key, requestHash, now)
	pendingJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode pending record: %w", err)
	}

	res, err := claimScript.Run(ctx, s.client,
		[]string{s.recordKey(key)}, string(pendingJSON), s.ttl.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	existingJSON, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("idempotency: claim %s: unexpected script result %T", key, res)
	}
	if existingJSON == "" {
		return &Claim{Outcome: OutcomeClaimed, Record: rec}, nil
	}

	var existing Record
	if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
		return nil, fmt.Errorf("idempotency: corrupt record for %s: %w", key, err)
	}
	return evaluate(&existing, requestHash), nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, statusCode int, body []byte, now time.Time) error {
	completedAt := now.UTC()
	rec := Record{
		Key:          key,
		Status:       StatusCompleted,
		StatusCode:   statusCode,
		ResponseBody: body,
		CompletedAt:  &completedAt,
	}
	// Preserve the original claim fields.
	currentJSON, err := s.client.Get(ctx, s.recordKey(key)).Result()
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: no pending claim: %w", key, err)
	}
	var current Record
	if err := json.Unmarshal([]byte(currentJSON), &current); err != nil {
		return fmt.Errorf("idempotency: corrupt record for %s: %w", key, err)
	}
	rec.RequestHash = current.RequestHash
	rec.CreatedAt = current.CreatedAt

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode completed record: %w", err)
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.recordKey(key)}, string(recJSON)).Int()
	if err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("idempotency: complete %s: no pending claim", key)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.recordKey(key)}).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

// Sweep is a no-op: Redis TTLs expire records server-side.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
