package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pendingPrefix = "pending:"

// RedisStore shares idempotency state across instances. A claim is a pending marker
// written with SET NX; completion replaces it with the JSON record.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	opts   Options
}

// Both scripts act only while the caller's pending marker is still in place, so a
// request whose claim expired cannot overwrite a newer claim.
var (
	completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return false
`)
	abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

func NewRedisStore(rdb redis.Cmdable, prefix string, opts Options) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

func (s *RedisStore) key(scope, key string) string {
	return s.prefix + ":" + scope + ":" + key
}

func (s *RedisStore) Begin(ctx context.Context, scope, key string) (Claim, Record, bool, error) {
	claim := Claim{Scope: scope, Key: key, token: uuid.NewString()}
	k := s.key(scope, key)

	ok, err := s.rdb.SetNX(ctx, k, pendingPrefix+claim.token, s.opts.PendingTTL).Result()
	if err != nil {
		return Claim{}, Record{}, false, fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return claim, Record{}, false, nil
	}

	raw, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// The other holder finished or expired between SETNX and GET.
		return Claim{}, Record{}, false, ErrInProgress
	}
	if err != nil {
		return Claim{}, Record{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if strings.HasPrefix(raw, pendingPrefix) {
		return Claim{}, Record{}, false, ErrInProgress
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Claim{}, Record{}, false, fmt.Errorf("idempotency record: %w", err)
	}
	return Claim{}, rec, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, claim Claim, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = completeScript.Run(ctx, s.rdb, []string{s.key(claim.Scope, claim.Key)},
		pendingPrefix+claim.token, body, s.opts.RecordTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, claim Claim) error {
	err := abandonScript.Run(ctx, s.rdb, []string{s.key(claim.Scope, claim.Key)}, pendingPrefix+claim.token).Err()
	if err != nil {
		return fmt.Errorf("idempotency abandon: %w", err)
	}
	return nil
}
