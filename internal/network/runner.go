package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
	"go-agent-network/internal/meta"
	"go-agent-network/internal/sink"
	"go-agent-network/internal/telemetry"
)

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	plane    eventbus.Plane
	capacity int
	logger   *slog.Logger
	recorder *telemetry.Recorder
	state    core.StateStore
	sinks    sink.Registry
}

// WithPlane runs on a shared plane the caller owns. The plane must carry
// every channel of the network and is not closed by the runner.
func WithPlane(p eventbus.Plane) RunOption { return func(o *runOptions) { o.plane = p } }

// WithCapacity sets the queue size of the plane Run creates.
func WithCapacity(n int) RunOption { return func(o *runOptions) { o.capacity = n } }

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunOption { return func(o *runOptions) { o.logger = l } }

// WithRecorder enables telemetry.
func WithRecorder(r *telemetry.Recorder) RunOption { return func(o *runOptions) { o.recorder = r } }

// WithState hands store to every agent through Extras.State.
func WithState(store core.StateStore) RunOption { return func(o *runOptions) { o.state = store } }

// WithSinks mirrors declared sinks whose kind has a factory in reg.
func WithSinks(reg sink.Registry) RunOption { return func(o *runOptions) { o.sinks = reg } }

// Runner is a running network. Registrations live in an arena owned by a
// single goroutine; Spawn and Registrations are requests to that owner.
type Runner struct {
	network  *Network
	plane    eventbus.Plane
	ownPlane bool
	logger   *slog.Logger
	recorder *telemetry.Recorder
	state    core.StateStore
	spawners []*meta.Spawner

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// owned by the arena goroutine until done is closed
	arena []Registration

	closeOnce sync.Once
	closeErr  error
}

// Run starts the network. Every static registration and spawner is
// subscribed before Run returns. Cancelling ctx stops the run; call Close to
// release it.
func (n *Network) Run(ctx context.Context, opts ...RunOption) (*Runner, error) {
	o := runOptions{capacity: eventbus.DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	r := &Runner{
		network:  n,
		plane:    o.plane,
		logger:   o.logger,
		recorder: o.recorder,
		state:    o.state,
		ops:      make(chan func()),
		done:     make(chan struct{}),
	}
	if r.plane == nil {
		r.plane = eventbus.NewMemoryPlane(n.ChannelNames(),
			eventbus.WithCapacity(o.capacity),
			eventbus.WithLogger(o.logger),
			eventbus.WithRecorder(o.recorder))
		r.ownPlane = true
	} else {
		have := r.plane.Channels()
		for _, c := range n.ChannelNames() {
			if !slices.Contains(have, c) {
				return nil, &core.ConfigurationError{Op: "run", Err: fmt.Errorf("%w: plane lacks %q", core.ErrUnknownChannel, string(c))}
			}
		}
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	go r.own()

	for _, reg := range n.registrations {
		if err := r.add(r.ctx, reg); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	for _, rule := range n.spawners {
		sp := meta.NewSpawner(rule, r.Spawn, n.Resolve)
		if err := r.add(r.ctx, Registration{Agent: sp, Subscribe: []core.ChannelName{rule.ListenChannel}}); err != nil {
			_ = r.Close()
			return nil, err
		}
		r.spawners = append(r.spawners, sp)
	}
	if err := r.startSinks(o.sinks); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runner) own() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.ctx.Done():
			return
		}
	}
}

// do runs op on the arena goroutine and waits for it.
func (r *Runner) do(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { op(); close(finished) }:
	case <-r.done:
		return core.ErrPlaneClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (r *Runner) add(ctx context.Context, reg Registration) error {
	var err error
	if derr := r.do(ctx, func() { err = r.register(reg) }); derr != nil {
		return derr
	}
	return err
}

// register subscribes reg and starts its loops. Arena goroutine only.
func (r *Runner) register(reg Registration) error {
	subs := make([]eventbus.Subscription, 0, len(reg.Subscribe))
	for _, c := range reg.Subscribe {
		sub, err := r.plane.Subscribe(r.ctx, c)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}

	out := eventbus.NewOutbox(r.plane, reg.PublishTo, r.logger)
	r.wg.Add(1 + len(subs))
	go func() {
		defer r.wg.Done()
		out.Run(r.ctx)
	}()
	for _, sub := range subs {
		go r.deliver(sub, reg.Agent, out)
	}
	r.arena = append(r.arena, reg)
	return nil
}

func (r *Runner) startSinks(reg sink.Registry) error {
	if len(reg) == 0 {
		return nil
	}
	for _, c := range r.network.channels {
		for _, desc := range c.Sinks {
			w, ok, err := reg.Open(desc)
			if !ok {
				continue
			}
			if err != nil {
				return &core.ConfigurationError{Op: "sink " + string(c.Name), Err: err}
			}
			sub, err := r.plane.Subscribe(r.ctx, c.Name)
			if err != nil {
				_ = w.Close()
				return err
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				sink.Mirror(r.ctx, sub, w, r.logger)
			}()
		}
	}
	return nil
}

func (r *Runner) deliver(sub eventbus.Subscription, agent core.Agent, out *eventbus.Outbox) {
	defer r.wg.Done()
	defer sub.Close()
	channel := sub.Channel()
	logger := r.logger.With("agent", agent.ID(), "channel", string(channel))
	for {
		env, err := sub.Next(r.ctx)
		if err != nil {
			if !core.IsCancellation(err) {
				logger.Warn("delivery loop stopped", "error", err)
			}
			return
		}
		if !core.Listens(agent, env.Name) {
			continue
		}
		r.invoke(agent, channel, env, out, logger)
	}
}

func (r *Runner) invoke(agent core.Agent, channel core.ChannelName, env core.Envelope, out *eventbus.Outbox, logger *slog.Logger) {
	trigger := env
	emit := func(e core.Envelope) { out.Push(e.Caused(&trigger)) }
	extras := core.Extras{Channel: channel, Logger: logger, State: r.state}

	ctx, end := r.recorder.StartInvoke(r.ctx, agent.ID(), channel, env.Name)
	err := safeInvoke(ctx, agent, &trigger, emit, extras)
	end(err)
	if err == nil || (core.IsCancellation(err) && r.ctx.Err() != nil) {
		return
	}
	logger.Error("agent invocation failed",
		"event", env.Name,
		"run_id", env.Meta.RunID,
		"error", &core.AgentInvocationError{AgentID: agent.ID(), Channel: channel, Event: env.Name, Err: err})
}

// safeInvoke converts a panic in the agent into an error.
func safeInvoke(ctx context.Context, agent core.Agent, trigger *core.Envelope, emit core.Emit, extras core.Extras) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return agent.Invoke(ctx, trigger, emit, extras)
}

// Spawn registers agent at runtime. Its delivery loops are subscribed before
// Spawn returns; envelopes published earlier are not replayed.
func (r *Runner) Spawn(ctx context.Context, agent core.Agent, binding meta.Binding) error {
	reg, err := r.network.registration(agent, binding.Subscribe, binding.PublishTo)
	if err != nil {
		return err
	}
	reg.Spawned = true
	if err := r.add(ctx, reg); err != nil {
		return err
	}
	r.logger.Info("agent spawned", "agent", agent.ID(), "subscribe", reg.Subscribe, "publish_to", reg.PublishTo)
	return nil
}

// Registrations returns a snapshot of static and spawned registrations.
func (r *Runner) Registrations() []Registration {
	var snap []Registration
	if err := r.do(context.Background(), func() { snap = slices.Clone(r.arena) }); err != nil {
		// the arena goroutine has exited; nothing mutates arena anymore
		return slices.Clone(r.arena)
	}
	return snap
}

// Spawners returns the spawner agents of this run.
func (r *Runner) Spawners() []*meta.Spawner { return slices.Clone(r.spawners) }

// Network returns the description being run.
func (r *Runner) Network() *Network { return r.network }

// Plane returns the event plane of this run.
func (r *Runner) Plane() eventbus.Plane { return r.plane }

// Publish sends env to channel, filling unset correlation id and timestamp.
func (r *Runner) Publish(ctx context.Context, channel core.ChannelName, env core.Envelope) error {
	if _, err := r.network.Resolve(string(channel)); err != nil {
		return &core.DeliveryError{Channel: channel, Err: errors.Join(core.ErrChannelNotFound, err)}
	}
	return r.plane.Publish(ctx, channel, env.Caused(nil))
}

// Context is cancelled when the run stops.
func (r *Runner) Context() context.Context { return r.ctx }

// Wait blocks until the run is stopped and every loop has exited.
func (r *Runner) Wait() {
	<-r.ctx.Done()
	<-r.done
	r.wg.Wait()
}

// Close stops every loop and, when the runner created it, closes the plane.
// It waits for in-flight invocations; agents should honor ctx.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		if r.ownPlane {
			r.closeErr = r.plane.Close()
		}
	})
	r.wg.Wait()
	return r.closeErr
}
