package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"go-agent-network/internal/core"
)

// Outbox decouples producers from plane back-pressure. Push appends to an
// unbounded queue; Run drains it into the target channels in push order.
type Outbox struct {
	plane   Plane
	targets []core.ChannelName
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []core.Envelope
	notify chan struct{}
}

// NewOutbox returns an outbox publishing to targets on plane.
func NewOutbox(plane Plane, targets []core.ChannelName, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		plane:   plane,
		targets: append([]core.ChannelName(nil), targets...),
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Push queues env. It never blocks.
func (o *Outbox) Push(env core.Envelope) {
	o.mu.Lock()
	o.queue = append(o.queue, env)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Run drains the queue until ctx is done or the plane closes. Envelopes still
// queued at that point are discarded.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}
		for {
			o.mu.Lock()
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, env := range batch {
				if err := o.plane.PublishMany(ctx, o.targets, env); err != nil {
					if core.IsCancellation(err) {
						return
					}
					o.logger.Warn("outbox publish failed", "event", env.Name, "run_id", env.Meta.RunID, "error", err)
				}
			}
		}
	}
}
