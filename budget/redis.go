package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// casScript overwrites the row only when the stored version matches and
// adds the row key to the index set.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'budget', ARGV[3])
redis.call('SADD', KEYS[2], KEYS[1])
return 1
`)

// RedisStore keeps each budget in a hash at <prefix><strategy>/<symbol>
// with fields "version" and "budget" (JSON). The set <prefix>index lists
// every row for List.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "riskgate:budget:"
	}
	return &RedisStore{client: client, prefix: prefix, timeout: 500 * time.Millisecond}
}

func (r *RedisStore) key(k Key) string { return r.prefix + k.String() }

func (r *RedisStore) index() string { return r.prefix + "index" }

func (r *RedisStore) Load(ctx context.Context, k Key) (StrategyRiskBudget, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.load(ctx, r.key(k))
}

func (r *RedisStore) load(ctx context.Context, key string) (StrategyRiskBudget, error) {
	raw, err := r.client.HGet(ctx, key, "budget").Bytes()
	if errors.Is(err, redis.Nil) {
		return StrategyRiskBudget{}, fmt.Errorf("load %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return StrategyRiskBudget{}, fmt.Errorf("load %s: %w", key, err)
	}
	var b StrategyRiskBudget
	if err := json.Unmarshal(raw, &b); err != nil {
		return StrategyRiskBudget{}, fmt.Errorf("decode budget %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, expected uint64, next StrategyRiskBudget) (StrategyRiskBudget, error) {
	if next.Key.Strategy == "" {
		return StrategyRiskBudget{}, errors.New("compare and swap: strategy is required")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return StrategyRiskBudget{}, fmt.Errorf("encode budget %s: %w", next.Key, err)
	}

	ok, err := casScript.Run(ctx, r.client, []string{r.key(next.Key), r.index()},
		strconv.FormatUint(expected, 10),
		strconv.FormatUint(next.Version, 10),
		string(payload),
	).Int()
	if err != nil {
		return StrategyRiskBudget{}, fmt.Errorf("write %s: %w", next.Key, err)
	}
	if ok != 1 {
		return StrategyRiskBudget{}, fmt.Errorf("write %s at version %d: %w", next.Key, expected, ErrVersionConflict)
	}
	return next, nil
}

func (r *RedisStore) List(ctx context.Context) ([]StrategyRiskBudget, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	keys, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	out := make([]StrategyRiskBudget, 0, len(keys))
	for _, key := range keys {
		b, err := r.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
