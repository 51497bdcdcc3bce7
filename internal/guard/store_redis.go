// Package guard provides the redis-backed counter store.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindowScript increments a counter and starts its expiry window when the
// counter is created. Running as a script keeps concurrent first requests from
// racing the TTL away, which would leave a counter that never resets.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisStore implements CounterStore on a redis client.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the redis connection.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisStore connects a store to redis.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWindow atomically increments key and sets the window TTL on creation.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store is not configured")
	}
	if window <= 0 {
		window = time.Second
	}
	count, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, Wrap(CodeStoreUnavailable, "incr window", err)
	}
	return count, nil
}

// Get fetches a value, reporting whether the key exists.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Wrap(CodeStoreUnavailable, "get", err)
	}
	return value, true, nil
}

// SetWithTTL writes a value. A non-positive TTL stores without expiry.
func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return Wrap(CodeStoreUnavailable, "set", err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return Wrap(CodeStoreUnavailable, "delete", err)
	}
	return nil
}

// Expire refreshes a key TTL.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return Wrap(CodeStoreUnavailable, "expire", err)
	}
	return nil
}

// Keys scans for keys under a prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, Wrap(CodeStoreUnavailable, "scan", err)
	}
	return keys, nil
}

// SetAdd adds a member and refreshes the set TTL.
func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Wrap(CodeStoreUnavailable, "sadd", err)
	}
	return nil
}

// SetRemove removes a member and reports the remaining cardinality. Redis
// deletes emptied sets itself.
func (s *RedisStore) SetRemove(ctx context.Context, key, member string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, key, member)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Wrap(CodeStoreUnavailable, "srem", err)
	}
	return card.Val(), nil
}

// SetMembers lists set members.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, Wrap(CodeStoreUnavailable, "smembers", err)
	}
	return members, nil
}

// ListPush prepends a value and trims the list to maxLen entries.
func (s *RedisStore) ListPush(ctx context.Context, key, value string, maxLen int64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Wrap(CodeStoreUnavailable, "lpush", err)
	}
	return nil
}

// ListRange reads a slice of the list, newest first.
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, Wrap(CodeStoreUnavailable, "lrange", err)
	}
	return values, nil
}

// Ping checks store reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return Wrap(CodeStoreUnavailable, "ping", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RedisPubSub implements PubSub on a redis client.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub wraps a redis client for pubsub use.
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Publish delivers a payload to all subscribers of a channel.
func (ps *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if ps == nil || ps.client == nil {
		return errors.New("redis pubsub is not configured")
	}
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return Wrap(CodeStoreUnavailable, "publish", err)
	}
	return nil
}

// Subscribe consumes a channel until the context ends.
func (ps *RedisPubSub) Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) error {
	if ps == nil || ps.client == nil {
		return errors.New("redis pubsub is not configured")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	sub := ps.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return Wrap(CodeStoreUnavailable, "subscribe", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, []byte(msg.Payload))
			}
		}
	}()
	return nil
}
