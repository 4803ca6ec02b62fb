package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// casScript overwrites the row only when the stored version matches.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'state', ARGV[3])
return 1
`)

// RedisStore keeps each account row in a hash at <prefix><account> with
// fields "version" and "state" (JSON). Writes go through a Lua
// compare-and-swap so several engine processes can share the row.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "riskgate:state:"
	}
	return &RedisStore{client: client, prefix: prefix, timeout: 500 * time.Millisecond}
}

func (r *RedisStore) key(account string) string {
	return r.prefix + account
}

func (r *RedisStore) Load(ctx context.Context, account string) (AccountRiskState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.HGet(ctx, r.key(account), "state").Bytes()
	if errors.Is(err, redis.Nil) {
		return AccountRiskState{}, fmt.Errorf("load %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return AccountRiskState{}, fmt.Errorf("load %q: %w", account, err)
	}

	var st AccountRiskState
	if err := json.Unmarshal(raw, &st); err != nil {
		return AccountRiskState{}, fmt.Errorf("decode state %q: %w", account, err)
	}
	return st, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, expected uint64, next AccountRiskState) (AccountRiskState, error) {
	if next.Account == "" {
		return AccountRiskState{}, errors.New("compare and swap: account is required")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	next.Version = expected + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return AccountRiskState{}, fmt.Errorf("encode state %q: %w", next.Account, err)
	}

	ok, err := casScript.Run(ctx, r.client, []string{r.key(next.Account)},
		strconv.FormatUint(expected, 10),
		strconv.FormatUint(next.Version, 10),
		string(payload),
	).Int()
	if err != nil {
		return AccountRiskState{}, fmt.Errorf("write %q: %w", next.Account, err)
	}
	if ok != 1 {
		return AccountRiskState{}, fmt.Errorf("write %q at version %d: %w", next.Account, expected, ErrVersionConflict)
	}
	return next, nil
}
