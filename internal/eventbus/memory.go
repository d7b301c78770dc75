package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"go-agent-network/internal/core"
	"go-agent-network/internal/telemetry"
)

// DefaultCapacity is the per-subscriber queue size.
const DefaultCapacity = 16

// Option configures a MemoryPlane.
type Option func(*MemoryPlane)

// WithCapacity sets the per-subscriber queue size. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(p *MemoryPlane) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLogger sets the plane logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *MemoryPlane) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRecorder enables telemetry.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(p *MemoryPlane) { p.recorder = r }
}

// MemoryPlane implements Plane in process. The channel set is fixed at
// construction; each subscriber owns a bounded queue.
type MemoryPlane struct {
	capacity int
	topics   map[core.ChannelName]*topic
	order    []core.ChannelName
	logger   *slog.Logger
	recorder *telemetry.Recorder

	closed    chan struct{}
	closeOnce sync.Once
}

type topic struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewMemoryPlane allocates one topic per channel.
func NewMemoryPlane(channels []core.ChannelName, opts ...Option) *MemoryPlane {
	p := &MemoryPlane{
		capacity: DefaultCapacity,
		topics:   make(map[core.ChannelName]*topic, len(channels)),
		logger:   slog.Default(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, c := range channels {
		if _, ok := p.topics[c]; ok {
			continue
		}
		p.topics[c] = &topic{subs: make(map[*subscription]struct{})}
		p.order = append(p.order, c)
	}
	return p
}

// Publish delivers env to every subscriber of channel in subscription-snapshot order.
func (p *MemoryPlane) Publish(ctx context.Context, channel core.ChannelName, env core.Envelope) error {
	t, ok := p.topics[channel]
	if !ok {
		return &core.DeliveryError{Channel: channel, Err: core.ErrChannelNotFound}
	}
	select {
	case <-p.closed:
		return core.ErrPlaneClosed
	default:
	}

	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.done:
			// unsubscribed while we were waiting
		case <-p.closed:
			return core.ErrPlaneClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.recorder.Published(ctx, channel)
	return nil
}

// PublishMany publishes env to each channel, stopping at the first failure.
func (p *MemoryPlane) PublishMany(ctx context.Context, channels []core.ChannelName, env core.Envelope) error {
	for _, c := range channels {
		if err := p.Publish(ctx, c, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new queue on channel.
func (p *MemoryPlane) Subscribe(ctx context.Context, channel core.ChannelName) (Subscription, error) {
	t, ok := p.topics[channel]
	if !ok {
		return nil, &core.DeliveryError{Channel: channel, Err: core.ErrChannelNotFound}
	}
	select {
	case <-p.closed:
		return nil, core.ErrPlaneClosed
	default:
	}
	s := &subscription{
		plane:   p,
		topic:   t,
		channel: channel,
		ch:      make(chan core.Envelope, p.capacity),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Channels returns the channels in construction order.
func (p *MemoryPlane) Channels() []core.ChannelName {
	return append([]core.ChannelName(nil), p.order...)
}

// SubscriberCount returns the number of open queues on channel.
func (p *MemoryPlane) SubscriberCount(channel core.ChannelName) int {
	t, ok := p.topics[channel]
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close shuts the plane. It is idempotent.
func (p *MemoryPlane) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		for _, c := range p.order {
			t := p.topics[c]
			t.mu.Lock()
			n := len(t.subs)
			t.subs = make(map[*subscription]struct{})
			t.mu.Unlock()
			if n > 0 {
				p.logger.Debug("eventbus topic closed", "channel", string(c), "subscribers", n)
			}
		}
	})
	return nil
}

type subscription struct {
	plane   *MemoryPlane
	topic   *topic
	channel core.ChannelName
	ch      chan core.Envelope
	done    chan struct{}
	once    sync.Once
	stop    func() bool
}

func (s *subscription) Channel() core.ChannelName { return s.channel }

func (s *subscription) Next(ctx context.Context) (core.Envelope, error) {
	// Termination wins over buffered envelopes.
	select {
	case <-s.done:
		return core.Envelope{}, core.ErrSubscriptionClosed
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	default:
	}
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		return core.Envelope{}, core.ErrSubscriptionClosed
	case <-s.plane.closed:
		return core.Envelope{}, core.ErrPlaneClosed
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.topic.mu.Lock()
		delete(s.topic.subs, s)
		s.topic.mu.Unlock()
		close(s.done)
	})
	return nil
}

var _ Plane = (*MemoryPlane)(nil)
