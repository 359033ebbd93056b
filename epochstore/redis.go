package epochstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces epoch records in a shared Redis database.
const DefaultRedisPrefix = "deltaconn:epoch:"

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
)

const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const extendLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

var errFetchAbandoned = errors.New("epoch fetch failed elsewhere or record not written")

// RedisStore keeps epochs in Redis so that several processes agree on them.
// Records are plain strings under Prefix+documentID; concurrent misses are
// serialized with a SETNX lock so that one process fetches.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore(client, "")
//
// Parameters:
//   - client: A connected Redis client
//   - prefix: Key namespace; empty means DefaultRedisPrefix
//
// Returns:
//   - A new RedisStore
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(documentID string) string {
	return r.prefix + documentID
}

// GetOrFetch implements Store. On a miss the caller that wins the lock runs
// fetchFn and writes the record; the others poll until it appears.
func (r *RedisStore) GetOrFetch(ctx context.Context, documentID string, ttl time.Duration, fetchFn FetchFunc) (string, error) {
	key := r.key(documentID)

	epoch, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return epoch, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis get error: %w", err)
	}

	lockKey := key + ":lock"
	lockValue := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := r.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return r.waitForRecord(ctx, key, lockKey, waitTimeout)
	}

	bgCtx := context.Background()
	defer r.client.Eval(bgCtx, releaseLockScript, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(bgCtx)
	defer cancel()
	go r.extendLock(extendCtx, lockKey, lockValue, lockTTL)

	epoch, err = fetchFn(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch function failed: %w", err)
	}

	return r.Remember(bgCtx, documentID, epoch, ttl)
}

// extendLock keeps the fetch lock alive while a slow fetch runs.
func (r *RedisStore) extendLock(ctx context.Context, lockKey, lockValue string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.client.Eval(ctx, extendLockScript, []string{lockKey}, lockValue, ttl.Milliseconds())
		}
	}
}

// waitForRecord polls with exponential backoff, from 10ms up to 500ms,
// until the record appears, the lock holder gives up, or timeout passes.
func (r *RedisStore) waitForRecord(ctx context.Context, key, lockKey string, timeout time.Duration) (string, error) {
	backoff := 10 * time.Millisecond
	maxBackoff := 500 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errors.New("timeout waiting for epoch record")
		}

		epoch, err := r.client.Get(ctx, key).Result()
		if err == nil {
			return epoch, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("redis get error: %w", err)
		}

		exists, err := r.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check lock existence: %w", err)
		}
		if exists == 0 {
			if epoch, err := r.client.Get(ctx, key).Result(); err == nil {
				return epoch, nil
			}
			return "", errFetchAbandoned
		}

		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

// Remember implements Store with SETNX, so the first writer wins across
// processes.
func (r *RedisStore) Remember(ctx context.Context, documentID, epoch string, ttl time.Duration) (string, error) {
	key := r.key(documentID)

	set, err := r.client.SetNX(ctx, key, epoch, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to record epoch: %w", err)
	}
	if set {
		return epoch, nil
	}

	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return r.Remember(ctx, documentID, epoch, ttl)
	}
	if err != nil {
		return "", fmt.Errorf("redis get error: %w", err)
	}

	return existing, nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, documentID string) (string, bool, error) {
	epoch, err := r.client.Get(ctx, r.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get error: %w", err)
	}

	return epoch, true, nil
}

// Forget implements Store.
func (r *RedisStore) Forget(ctx context.Context, documentID string) error {
	if err := r.client.Del(ctx, r.key(documentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// ForgetPrefix implements Store. Keys are found with SCAN, never KEYS.
func (r *RedisStore) ForgetPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scan(ctx, r.prefix+prefix+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}

	return int(deleted), nil
}

// Len implements Store. Only records in the store's namespace are counted;
// fetch locks are skipped.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx, r.prefix+"*")
	if err != nil {
		return 0, err
	}

	n := 0
	for _, k := range keys {
		if !isLockKey(k) {
			n++
		}
	}

	return n, nil
}

func (r *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

func isLockKey(key string) bool {
	return strings.HasSuffix(key, ":lock")
}
