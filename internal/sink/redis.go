package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"go-agent-network/internal/core"
)

// KindRedis is the descriptor kind handled by RedisWriter.
const KindRedis = "redis"

// TopicPrefix is used when a descriptor has no explicit target.
const TopicPrefix = "agentnet:"

// RedisWriter publishes JSON envelopes to a Redis pub/sub topic and
// reconnects when the server stops answering pings.
type RedisWriter struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	topic   string
	logger  *slog.Logger
}

// NewRedisWriter creates a writer publishing to topic. An empty topic falls
// back to TopicPrefix plus the channel name on each write.
func NewRedisWriter(opts *redis.Options, topic string, logger *slog.Logger) *RedisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWriter{
		client:  redis.NewClient(opts),
		options: opts,
		topic:   topic,
		logger:  logger,
	}
}

// RedisFactory returns a Factory building RedisWriters against opts.
func RedisFactory(opts *redis.Options, logger *slog.Logger) Factory {
	return func(desc core.SinkDescriptor) (Writer, error) {
		return NewRedisWriter(opts, desc.Target, logger), nil
	}
}

// ensureConnection pings the server and reconnects if necessary.
func (w *RedisWriter) ensureConnection(ctx context.Context) *redis.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.client.Ping(ctx).Err(); err != nil && ctx.Err() == nil {
		w.logger.Warn("sink reconnecting to redis", "error", err)
		_ = w.client.Close()
		w.client = redis.NewClient(w.options)
	}
	return w.client
}

// Write publishes env.
func (w *RedisWriter) Write(ctx context.Context, channel core.ChannelName, env core.Envelope) error {
	client := w.ensureConnection(ctx)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	topic := w.topic
	if topic == "" {
		topic = TopicPrefix + string(channel)
	}
	return client.Publish(ctx, topic, data).Err()
}

// Close closes the client.
func (w *RedisWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client.Close()
}

var _ Writer = (*RedisWriter)(nil)
