package eventbus

import (
	"context"

	"go-agent-network/internal/core"
)

// Plane defines channel-scoped publish/subscribe with broadcast semantics:
// every subscriber of a channel sees every envelope published to it.
type Plane interface {
	// Publish enqueues env on every current subscriber queue of channel. It
	// blocks while a subscriber queue is full. Zero subscribers is not an error.
	Publish(ctx context.Context, channel core.ChannelName, env core.Envelope) error
	// PublishMany publishes to each channel in order and stops at the first
	// error. Channels already delivered to are not rolled back.
	PublishMany(ctx context.Context, channels []core.ChannelName, env core.Envelope) error
	// Subscribe opens an independent delivery queue on channel. The caller
	// must Close it; it is also closed when ctx is done.
	Subscribe(ctx context.Context, channel core.ChannelName) (Subscription, error)
	Channels() []core.ChannelName
	SubscriberCount(channel core.ChannelName) int
	// Close shuts every topic. Blocked publishers and readers fail with
	// core.ErrPlaneClosed.
	Close() error
}

// Subscription is one subscriber's ordered view of a channel.
type Subscription interface {
	Channel() core.ChannelName
	// Next blocks until an envelope arrives, the subscription or plane is
	// closed, or ctx is done.
	Next(ctx context.Context) (core.Envelope, error)
	// Close removes the queue from its topic. It is idempotent.
	Close() error
}
