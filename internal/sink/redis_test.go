package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
)

func subscribeRedis(t *testing.T, addr, topic string) <-chan *redis.Message {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ps := client.Subscribe(context.Background(), topic)
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return ps.Channel()
}

func TestRedisWriterPublishesEnvelope(t *testing.T) {
	s := miniredis.RunT(t)
	msgs := subscribeRedis(t, s.Addr(), "agentnet:client")

	w := NewRedisWriter(&redis.Options{Addr: s.Addr()}, "", nil)
	defer w.Close()
	env := core.Envelope{Name: "weather-forecast-created", Meta: core.Meta{RunID: "r1"}, Payload: map[string]int{"temp": 22}}
	require.NoError(t, w.Write(context.Background(), "client", env))

	select {
	case msg := <-msgs:
		var got core.Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, env.Name, got.Name)
		require.Equal(t, "r1", got.Meta.RunID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sink message")
	}
}

func TestRegistryOpen(t *testing.T) {
	s := miniredis.RunT(t)
	reg := Registry{KindRedis: RedisFactory(&redis.Options{Addr: s.Addr()}, nil)}

	w, ok, err := reg.Open(core.SinkDescriptor{Kind: KindRedis, Target: "mirror"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w.Close())

	_, ok, err = reg.Open(core.SinkDescriptor{Kind: "kafka"})
	require.NoError(t, err)
	require.False(t, ok)

	failing := Registry{"broken": func(core.SinkDescriptor) (Writer, error) { return nil, errors.New("nope") }}
	_, ok, err = failing.Open(core.SinkDescriptor{Kind: "broken"})
	require.True(t, ok)
	require.Error(t, err)
}

type recordingWriter struct {
	mu     sync.Mutex
	got    []string
	fail   string
	closed bool
}

func (w *recordingWriter) Write(_ context.Context, _ core.ChannelName, env core.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if env.Name == w.fail {
		return errors.New("write refused")
	}
	w.got = append(w.got, env.Name)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) snapshot() ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.got...), w.closed
}

func TestMirrorForwardsAndSkipsFailures(t *testing.T) {
	plane := eventbus.NewMemoryPlane([]core.ChannelName{"client"})
	defer plane.Close()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := plane.Subscribe(ctx, "client")
	require.NoError(t, err)
	w := &recordingWriter{fail: "bad"}
	done := make(chan struct{})
	go func() {
		Mirror(ctx, sub, w, nil)
		close(done)
	}()

	for _, name := range []string{"a", "bad", "b"} {
		require.NoError(t, plane.Publish(ctx, "client", core.Envelope{Name: name}))
	}
	require.Eventually(t, func() bool {
		got, _ := w.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	got, closed := w.snapshot()
	require.Equal(t, []string{"a", "b"}, got)
	require.True(t, closed)
}
