package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"go-agent-network/internal/blackboard"
	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
	"go-agent-network/internal/meta"
	"go-agent-network/internal/sink"
)

func forecaster() *core.FuncAgent {
	return core.NewAgent("forecaster", []string{"weather-set"}, func(_ context.Context, trigger *core.Envelope, emit core.Emit, _ core.Extras) error {
		var in struct {
			Temp int `json:"temp"`
		}
		if err := trigger.Decode(&in); err != nil {
			return err
		}
		emit(core.Envelope{Name: "weather-forecast-created", Payload: map[string]any{"forecast": "mild", "temp": in.Temp}})
		return nil
	})
}

func weatherNetwork(t *testing.T) *Network {
	t.Helper()
	b := NewBuilder()
	main := b.DefineChannel("main")
	client := b.DefineChannel("client")
	b.AttachEvents(main, core.DefineEvent("weather-set", nil))
	b.Expose(client)
	b.RegisterAgent(forecaster()).Subscribe(main).PublishTo(client)
	n, err := b.Build()
	require.NoError(t, err)
	return n
}

func run(t *testing.T, n *Network, opts ...RunOption) *Runner {
	t.Helper()
	r, err := n.Run(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func subscribe(t *testing.T, r *Runner, channel core.ChannelName) eventbus.Subscription {
	t.Helper()
	sub, err := r.Plane().Subscribe(context.Background(), channel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func next(t *testing.T, sub eventbus.Subscription) core.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Next(ctx)
	require.NoError(t, err)
	return env
}

func requireQuiet(t *testing.T, sub eventbus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	env, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected envelope %q", env.Name)
}

func TestWeatherForecastReachesClient(t *testing.T) {
	r := run(t, weatherNetwork(t))
	client := subscribe(t, r, "client")

	trigger := core.Envelope{Name: "weather-set", Meta: core.Meta{RunID: "r1", ContextID: "c1", CorrelationID: "corr-1"}, Payload: map[string]int{"temp": 22}}
	require.NoError(t, r.Publish(context.Background(), "main", trigger))

	got := next(t, client)
	require.Equal(t, "weather-forecast-created", got.Name)
	require.Equal(t, "r1", got.Meta.RunID)
	require.Equal(t, "c1", got.Meta.ContextID)
	require.Equal(t, "corr-1", got.Meta.CausationID)
	require.NotEmpty(t, got.Meta.CorrelationID)
	require.NotZero(t, got.Meta.Timestamp)

	var payload struct {
		Temp int `json:"temp"`
	}
	require.NoError(t, got.Decode(&payload))
	require.Equal(t, 22, payload.Temp)
	requireQuiet(t, client)
}

func TestListenFilter(t *testing.T) {
	var aCount, bCount atomic.Int32
	b := NewBuilder()
	main := b.DefineChannel("main")
	b.RegisterAgent(core.NewAgent("a", []string{"a"}, func(context.Context, *core.Envelope, core.Emit, core.Extras) error {
		aCount.Add(1)
		return nil
	})).Subscribe(main)
	b.RegisterAgent(core.NewAgent("b", []string{"b"}, func(context.Context, *core.Envelope, core.Emit, core.Extras) error {
		bCount.Add(1)
		return nil
	})).Subscribe(main)
	n, err := b.Build()
	require.NoError(t, err)
	r := run(t, n)

	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, main, core.Envelope{Name: "a", Meta: core.Meta{RunID: "r1"}}))
	require.Eventually(t, func() bool { return aCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	// b's loop sees "a" before "b", so once b has run it has skipped "a"
	require.NoError(t, r.Publish(ctx, main, core.Envelope{Name: "b", Meta: core.Meta{RunID: "r1"}}))
	require.Eventually(t, func() bool { return bCount.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), aCount.Load())
}

func TestCatchAllAgentSeesEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b := NewBuilder()
	main := b.DefineChannel("main")
	b.RegisterAgent(core.NewAgent("audit", nil, func(_ context.Context, trigger *core.Envelope, _ core.Emit, _ core.Extras) error {
		mu.Lock()
		seen = append(seen, trigger.Name)
		mu.Unlock()
		return nil
	})).Subscribe(main)
	n, err := b.Build()
	require.NoError(t, err)
	r := run(t, n)

	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, r.Publish(context.Background(), main, core.Envelope{Name: name}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"x", "y", "z"}, seen)
}

func TestFailingAgentKeepsItsLoop(t *testing.T) {
	var ok atomic.Int32
	b := NewBuilder()
	main := b.DefineChannel("main")
	b.RegisterAgent(core.NewAgent("flaky", nil, func(_ context.Context, trigger *core.Envelope, _ core.Emit, _ core.Extras) error {
		switch trigger.Name {
		case "fail":
			return errors.New("bad input")
		case "explode":
			panic("boom")
		}
		ok.Add(1)
		return nil
	})).Subscribe(main)
	n, err := b.Build()
	require.NoError(t, err)
	r := run(t, n)

	for _, name := range []string{"fail", "ok", "explode", "ok"} {
		require.NoError(t, r.Publish(context.Background(), main, core.Envelope{Name: name}))
	}
	require.Eventually(t, func() bool { return ok.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSafeInvokeRecoversPanic(t *testing.T) {
	a := core.NewAgent("explode", nil, func(context.Context, *core.Envelope, core.Emit, core.Extras) error { panic("boom") })
	err := safeInvoke(context.Background(), a, &core.Envelope{Name: "x"}, func(core.Envelope) {}, core.Extras{})
	require.ErrorContains(t, err, "panic: boom")
}

func spawnNetwork(t *testing.T) *Network {
	t.Helper()
	b := NewBuilder()
	main := b.DefineChannel("main")
	client := b.DefineChannel("client")
	b.Spawner(meta.Rule{
		ListenChannel: main,
		ListenEvent:   "agent-spawn",
		Factories: map[string]meta.AgentFactory{
			"echo": meta.FactoryFunc(func(json.RawMessage) (core.Agent, error) {
				return core.NewAgent("echo", []string{"ping"}, func(_ context.Context, _ *core.Envelope, emit core.Emit, _ core.Extras) error {
					emit(core.Envelope{Name: "pong"})
					return nil
				}), nil
			}),
		},
		DefaultBinding: func(string) meta.Binding {
			return meta.Binding{Subscribe: []core.ChannelName{main}, PublishTo: []core.ChannelName{client}}
		},
	})
	n, err := b.Build()
	require.NoError(t, err)
	return n
}

func spawnEnvelope(kind string) core.Envelope {
	return core.Envelope{Name: "agent-spawn", Meta: core.Meta{RunID: "r1"}, Payload: map[string]any{"kind": kind}}
}

func TestSpawnerRegistersAgentAtRuntime(t *testing.T) {
	r := run(t, spawnNetwork(t))
	client := subscribe(t, r, "client")
	ctx := context.Background()

	base := len(r.Registrations())
	require.Equal(t, 1, base)

	require.NoError(t, r.Publish(ctx, "main", spawnEnvelope("echo")))
	spawner := r.Spawners()[0]
	require.Eventually(t, func() bool { return len(spawner.AgentIDs()) == 1 }, time.Second, 5*time.Millisecond)

	regs := r.Registrations()
	require.Len(t, regs, base+1)
	spawned := regs[len(regs)-1]
	require.True(t, spawned.Spawned)
	require.Equal(t, []core.ChannelName{"main"}, spawned.Subscribe)
	require.Equal(t, []core.ChannelName{"client"}, spawned.PublishTo)
	require.Equal(t, []string{spawned.Agent.ID()}, spawner.AgentIDs())

	require.NoError(t, r.Publish(ctx, "main", core.Envelope{Name: "ping", Meta: core.Meta{RunID: "r2"}}))
	got := next(t, client)
	require.Equal(t, "pong", got.Name)
	require.Equal(t, "r2", got.Meta.RunID)
}

func TestSpawnerIgnoresUnknownKind(t *testing.T) {
	r := run(t, spawnNetwork(t))
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, "main", spawnEnvelope("ghost")))
	require.NoError(t, r.Publish(ctx, "main", spawnEnvelope("echo")))
	// requests are handled in order, so once echo is recorded ghost was already rejected
	spawner := r.Spawners()[0]
	require.Eventually(t, func() bool { return len(spawner.AgentIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, r.Registrations(), 2)
}

func TestSpawnValidatesBinding(t *testing.T) {
	r := run(t, spawnNetwork(t))
	a := core.NewAgent("late", nil, noop)
	err := r.Spawn(context.Background(), a, meta.Binding{Subscribe: []core.ChannelName{"nowhere"}})
	require.ErrorIs(t, err, core.ErrUnknownChannel)
	require.Len(t, r.Registrations(), 1)
}

func TestCloseStopsRun(t *testing.T) {
	r, err := weatherNetwork(t).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	r.Wait()

	require.Len(t, r.Registrations(), 1)
	require.ErrorIs(t, r.Publish(context.Background(), "main", core.Envelope{Name: "weather-set"}), core.ErrPlaneClosed)
	err = r.Spawn(context.Background(), core.NewAgent("late", nil, noop), meta.Binding{Subscribe: []core.ChannelName{"main"}})
	require.ErrorIs(t, err, core.ErrPlaneClosed)
}

func TestPublishUnknownChannel(t *testing.T) {
	r := run(t, weatherNetwork(t))
	err := r.Publish(context.Background(), "nowhere", core.Envelope{Name: "x"})
	var derr *core.DeliveryError
	require.ErrorAs(t, err, &derr)
	require.ErrorIs(t, err, core.ErrChannelNotFound)
}

func TestRunOnSharedPlane(t *testing.T) {
	n := weatherNetwork(t)
	plane := eventbus.NewMemoryPlane(n.ChannelNames())
	defer plane.Close()

	first := run(t, n, WithPlane(plane))
	second := run(t, n, WithPlane(plane))
	require.Same(t, first.Plane(), second.Plane())
	client := subscribe(t, first, "client")

	require.NoError(t, first.Publish(context.Background(), "main", core.Envelope{Name: "weather-set", Payload: map[string]int{"temp": 1}}))
	// both runs host a forecaster on the same plane
	require.Equal(t, "weather-forecast-created", next(t, client).Name)
	require.Equal(t, "weather-forecast-created", next(t, client).Name)

	require.NoError(t, second.Close())
	require.NoError(t, first.Publish(context.Background(), "main", core.Envelope{Name: "weather-set"}))
	require.Equal(t, "weather-forecast-created", next(t, client).Name)
	requireQuiet(t, client)
}

func TestRunRejectsIncompletePlane(t *testing.T) {
	plane := eventbus.NewMemoryPlane([]core.ChannelName{"main"})
	defer plane.Close()
	_, err := weatherNetwork(t).Run(context.Background(), WithPlane(plane))
	require.ErrorIs(t, err, core.ErrUnknownChannel)
}

func TestAgentsShareState(t *testing.T) {
	store := blackboard.NewMemoryStore()
	b := NewBuilder()
	main := b.DefineChannel("main")
	client := b.DefineChannel("client")
	b.RegisterAgent(core.NewAgent("counter", []string{"hit"}, func(ctx context.Context, trigger *core.Envelope, emit core.Emit, extras core.Extras) error {
		key := blackboard.ContextKey(trigger.Meta.ContextID, "hits")
		v, _, err := extras.State.Get(ctx, key)
		if err != nil {
			return err
		}
		n, _ := v.(int)
		if _, err := extras.State.Put(ctx, key, n+1, 0); err != nil {
			return err
		}
		emit(core.Envelope{Name: "counted", Payload: n + 1})
		return nil
	})).Subscribe(main).PublishTo(client)
	n, err := b.Build()
	require.NoError(t, err)
	r := run(t, n, WithState(store))
	sub := subscribe(t, r, client)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(context.Background(), main, core.Envelope{Name: "hit", Meta: core.Meta{ContextID: "c1"}}))
	}
	var last core.Envelope
	for i := 0; i < 3; i++ {
		last = next(t, sub)
	}
	require.Equal(t, 3, last.Payload)
}

func TestSinkMirrorsChannel(t *testing.T) {
	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rc.Close()
	ps := rc.Subscribe(context.Background(), "agentnet:client")
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)
	defer ps.Close()

	b := NewBuilder()
	main := b.DefineChannel("main")
	client := b.DefineChannel("client")
	b.AttachSink(client, core.SinkDescriptor{Kind: sink.KindRedis})
	b.AttachSink(main, core.SinkDescriptor{Kind: "kafka"})
	b.RegisterAgent(forecaster()).Subscribe(main).PublishTo(client)
	n, err := b.Build()
	require.NoError(t, err)
	r := run(t, n, WithSinks(sink.Registry{sink.KindRedis: sink.RedisFactory(&redis.Options{Addr: s.Addr()}, nil)}))

	require.NoError(t, r.Publish(context.Background(), main, core.Envelope{Name: "weather-set", Meta: core.Meta{RunID: "r1"}, Payload: map[string]int{"temp": 22}}))
	select {
	case msg := <-ps.Channel():
		var got core.Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, "weather-forecast-created", got.Name)
		require.Equal(t, "r1", got.Meta.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for mirrored envelope")
	}
}
