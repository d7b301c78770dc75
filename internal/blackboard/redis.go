package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxPutRetries bounds how often Put retries after losing a WATCH race.
const maxPutRetries = 32

// RedisStore provides a Redis-backed implementation of Store. Each key is a
// hash holding the JSON value and its version.
type RedisStore struct {
	mu       sync.Mutex
	client   *redis.Client
	options  *redis.Options
	logger   *slog.Logger
	notifKey string
}

// NewRedisStore returns a new RedisStore with given options.
func NewRedisStore(opts *redis.Options, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:   redis.NewClient(opts),
		options:  opts,
		logger:   logger,
		notifKey: "blackboard:update:",
	}
}

// ensureConnection pings Redis and reconnects if needed.
func (s *RedisStore) ensureConnection(ctx context.Context) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Ping(ctx).Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("blackboard reconnecting to redis", "error", err)
		_ = s.client.Close()
		s.client = redis.NewClient(s.options)
	}
	return s.client
}

// Put stores a value with optional TTL and returns the new version.
func (s *RedisStore) Put(ctx context.Context, key string, value any, ttl time.Duration) (int64, error) {
	client := s.ensureConnection(ctx)
	data, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	var ver int64
	put := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		ver = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "value", data, "version", ver)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return err
	}
	// a concurrent writer bumped the version between WATCH and EXEC
	for attempt := 0; ; attempt++ {
		err = client.Watch(ctx, put, key)
		if !errors.Is(err, redis.TxFailedErr) || attempt == maxPutRetries {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	s.notify(ctx, client, Update{Key: key, Value: value, Version: ver})
	return ver, nil
}

func (s *RedisStore) notify(ctx context.Context, client *redis.Client, upd Update) {
	payload, err := json.Marshal(upd)
	if err != nil {
		return
	}
	if err := client.Publish(ctx, s.notifKey+upd.Key, payload).Err(); err != nil {
		s.logger.Warn("blackboard notify failed", "key", upd.Key, "error", err)
	}
}

// Get retrieves a value and its version. A missing key returns nil, 0, nil.
func (s *RedisStore) Get(ctx context.Context, key string) (any, int64, error) {
	client := s.ensureConnection(ctx)
	res, err := client.HGetAll(ctx, key).Result()
	if err != nil || len(res) == 0 {
		return nil, 0, err
	}
	var v any
	if err := json.Unmarshal([]byte(res["value"]), &v); err != nil {
		return nil, 0, err
	}
	ver, err := parseInt(res["version"])
	if err != nil {
		return nil, 0, err
	}
	return v, ver, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// Txn performs multiple puts atomically.
func (s *RedisStore) Txn(ctx context.Context, values map[string]any, ttl time.Duration) error {
	client := s.ensureConnection(ctx)
	pipe := client.TxPipeline()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		pipe.HIncrBy(ctx, k, "version", 1)
		pipe.HSet(ctx, k, "value", data)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		payload, _ := json.Marshal(Update{Key: k, Value: v})
		pipe.Publish(ctx, s.notifKey+k, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Watch subscribes to updates for keys matching a glob pattern.
func (s *RedisStore) Watch(ctx context.Context, pattern string) (<-chan Update, error) {
	client := s.ensureConnection(ctx)
	pubsub := client.PSubscribe(ctx, s.notifKey+pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := make(chan Update)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("blackboard watch error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			var upd Update
			if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
				continue
			}
			select {
			case ch <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Delete removes a key from the store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.ensureConnection(ctx).Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
