package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/vega/internal/logging"
)

// reserveSlotScript atomically checks the running-set cardinality
// against the tier limit and inserts the job id only when a slot is
// free. Doing both in one script is what makes admission race-free
// across replicas: Redis executes scripts serially with respect to
// other commands on the same key.
//
// KEYS[1] = running-set key
// ARGV[1] = limit (integer text)
// ARGV[2] = member (job id)
// Returns 1 when the slot was reserved, 0 when the limit is reached.
var reserveSlotScript = redis.NewScript(`
local current = redis.call('SCARD', KEYS[1])
if current >= tonumber(ARGV[1]) then
    return 0
end
redis.call('SADD', KEYS[1], ARGV[2])
return 1
`)

// DefaultCallTimeout bounds each individual store call, independent of
// workload timeouts.
const DefaultCallTimeout = time.Second

// RedisStore is the shared-store client every replica coordinates
// through. It is a thin contract: no retries, no business logic;
// failures surface to the caller.
type RedisStore struct {
	client      *redis.Client
	db          int
	callTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(addr, password string, db int, callTimeout time.Duration) (*RedisStore, error) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client, db: db, callTimeout: callTimeout}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client, db int, callTimeout time.Duration) *RedisStore {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &RedisStore{client: client, db: db, callTimeout: callTimeout}
}

// Client returns the underlying Redis client for direct access.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// SetWithTTL overwrites key with value and attaches a TTL.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a key. Idempotent.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

// Get returns the value of key, or "" when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// TTLSeconds returns the remaining TTL of key in seconds, or 0 when
// the key is absent or has no expiry.
func (s *RedisStore) TTLSeconds(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return int64(d / time.Second), nil
}

// SetAdd inserts member into the set at key. Idempotent.
func (s *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.SAdd(ctx, key, member).Err()
}

// SetRemove removes member from the set at key. Idempotent.
func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.SRem(ctx, key, member).Err()
}

// SetCardinality returns the set size via SCARD, an O(1) operation.
// Never implemented by pattern-scanning keys.
func (s *RedisStore) SetCardinality(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.SCard(ctx, key).Result()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.SMembers(ctx, key).Result()
}

// ScanKeys walks the keyspace with SCAN (never KEYS) and returns all
// keys matching pattern.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		ctx2, cancel := s.bound(ctx)
		batch, next, err := s.client.Scan(ctx2, cursor, pattern, 100).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// ReserveSlot runs the atomic check-and-reserve script.
func (s *RedisStore) ReserveSlot(ctx context.Context, setKey string, limit int, member string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := reserveSlotScript.Run(ctx, s.client, []string{setKey}, limit, member).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve slot script: %w", err)
	}
	return res == 1, nil
}

// SubscribeKeyExpiry delivers the names of expired keys whose name
// starts with prefix. Delivery is best-effort: Redis keyspace
// notifications are fire-and-forget, and a slow consumer drops events
// rather than blocking the subscription goroutine. The sweeper covers
// whatever is missed.
//
// The subscription lives until ctx is cancelled, after which the
// returned channel is closed.
func (s *RedisStore) SubscribeKeyExpiry(ctx context.Context, prefix string) (<-chan string, error) {
	// Expired-key events are off by default; turning them on here is
	// best-effort since managed Redis may forbid CONFIG SET.
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logging.Op().Warn("could not enable keyspace notifications, relying on server config", "error", err)
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", s.db)
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe key expiry: %w", err)
	}

	out := make(chan string, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, prefix) {
					continue
				}
				select {
				case out <- msg.Payload:
				default:
					logging.Op().Warn("expiry event dropped, consumer lagging", "key", msg.Payload)
				}
			}
		}
	}()

	return out, nil
}
