package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Emit queues an output envelope. It never blocks the caller; the delivery
// loop publishes it to the agent's output channels.
type Emit func(Envelope)

// StateStore is the subset of the blackboard agents see through Extras.
type StateStore interface {
	Get(ctx context.Context, key string) (any, int64, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Extras carries invocation-scoped collaborators.
type Extras struct {
	// Channel the trigger arrived on.
	Channel ChannelName
	Logger  *slog.Logger
	// State is nil unless the runner was given a store.
	State StateStore
}

// Agent is a unit of logic woken by envelopes on its subscribed channels.
type Agent interface {
	ID() string
	// ListensTo returns the event names the agent reacts to. Empty means all.
	ListensTo() []string
	// Invoke handles one trigger. trigger is nil for externally triggered runs.
	Invoke(ctx context.Context, trigger *Envelope, emit Emit, extras Extras) error
}

// Listener is implemented by agents with a constant-time filter.
type Listener interface {
	Listens(name string) bool
}

// Listens reports whether a should be invoked for an envelope named name.
func Listens(a Agent, name string) bool {
	if l, ok := a.(Listener); ok {
		return l.Listens(name)
	}
	names := a.ListensTo()
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// InvokeFunc is the body of a FuncAgent.
type InvokeFunc func(ctx context.Context, trigger *Envelope, emit Emit, extras Extras) error

// FuncAgent is an Agent built from a function.
type FuncAgent struct {
	id        string
	name      string
	listensTo []string
	// nil means catch-all
	filter map[string]struct{}
	fn     InvokeFunc
}

// NewAgent returns an agent with a generated id. An empty listensTo makes it
// a catch-all agent.
func NewAgent(name string, listensTo []string, fn InvokeFunc) *FuncAgent {
	a := &FuncAgent{
		id:        uuid.NewString(),
		name:      name,
		listensTo: append([]string(nil), listensTo...),
		fn:        fn,
	}
	if len(listensTo) > 0 {
		a.filter = make(map[string]struct{}, len(listensTo))
		for _, n := range listensTo {
			a.filter[n] = struct{}{}
		}
	}
	return a
}

// ID returns the generated identifier.
func (a *FuncAgent) ID() string { return a.id }

// Name returns the human-readable name given at creation.
func (a *FuncAgent) Name() string { return a.name }

// ListensTo returns a copy of the event filter.
func (a *FuncAgent) ListensTo() []string { return append([]string(nil), a.listensTo...) }

// Listens implements Listener.
func (a *FuncAgent) Listens(name string) bool {
	if a.filter == nil {
		return true
	}
	_, ok := a.filter[name]
	return ok
}

// Invoke runs the agent function.
func (a *FuncAgent) Invoke(ctx context.Context, trigger *Envelope, emit Emit, extras Extras) error {
	return a.fn(ctx, trigger, emit, extras)
}

var _ Agent = (*FuncAgent)(nil)
