// Package meta creates agents at runtime. A Rule names a channel and a
// spawn-request event; the Spawner agent built from it resolves the requested
// kind in a factory registry and hands the new agent to the runner.
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"go-agent-network/internal/core"
)

// AgentFactory creates agents of one kind from spawn parameters.
type AgentFactory interface {
	Create(params json.RawMessage) (core.Agent, error)
}

// FactoryFunc adapts a function to AgentFactory.
type FactoryFunc func(params json.RawMessage) (core.Agent, error)

// Create calls f(params).
func (f FactoryFunc) Create(params json.RawMessage) (core.Agent, error) { return f(params) }

// Binding lists the channels a spawned agent subscribes to and publishes to.
type Binding struct {
	Subscribe []core.ChannelName
	PublishTo []core.ChannelName
}

// Request is the payload of a spawn-request envelope.
type Request struct {
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	Subscribe []string        `json:"subscribe,omitempty"`
	PublishTo []string        `json:"publishTo,omitempty"`
}

// SpawnFunc registers agent with binding and starts its delivery loops before
// returning.
type SpawnFunc func(ctx context.Context, agent core.Agent, binding Binding) error

// Resolver maps a channel name to a channel of the running network.
type Resolver func(name string) (core.ChannelName, error)

// SpawnContext is handed to Rule.OnSpawn for each accepted request.
type SpawnContext struct {
	Kind    string
	Factory AgentFactory
	Request Request
	Trigger core.Envelope
	Binding Binding
	Spawn   SpawnFunc
}

// Rule describes one spawner.
type Rule struct {
	ListenChannel core.ChannelName
	ListenEvent   string
	Factories     map[string]AgentFactory
	// DefaultBinding supplies channels the request leaves unset. When nil the
	// agent subscribes to ListenChannel and publishes nowhere.
	DefaultBinding func(kind string) Binding
	// OnSpawn materializes and registers the agent. Defaults to DefaultOnSpawn.
	OnSpawn func(ctx context.Context, sc SpawnContext) error
}

// Validate checks the rule against the network's channels.
func (r Rule) Validate(resolve Resolver) error {
	if r.ListenEvent == "" {
		return &core.ConfigurationError{Op: "spawner", Err: errors.New("listen event is required")}
	}
	if _, err := resolve(string(r.ListenChannel)); err != nil {
		return &core.ConfigurationError{Op: "spawner " + r.ListenEvent, Err: err}
	}
	return nil
}

// DefaultOnSpawn creates the agent from the factory with the request params
// and spawns it with the resolved binding.
func DefaultOnSpawn(ctx context.Context, sc SpawnContext) error {
	agent, err := sc.Factory.Create(sc.Request.Params)
	if err != nil {
		return fmt.Errorf("create %s agent: %w", sc.Kind, err)
	}
	return sc.Spawn(ctx, agent, sc.Binding)
}

// Spawner is the agent executing a Rule. It listens only for the rule's
// event and records the ids of the agents it spawned.
type Spawner struct {
	id      string
	rule    Rule
	spawn   SpawnFunc
	resolve Resolver

	mu      sync.RWMutex
	spawned []string
}

// NewSpawner returns the agent for rule.
func NewSpawner(rule Rule, spawn SpawnFunc, resolve Resolver) *Spawner {
	return &Spawner{id: "spawner-" + uuid.NewString(), rule: rule, spawn: spawn, resolve: resolve}
}

// ID returns the spawner identifier.
func (s *Spawner) ID() string { return s.id }

// ListensTo returns the rule's spawn-request event.
func (s *Spawner) ListensTo() []string { return []string{s.rule.ListenEvent} }

// Listens implements core.Listener.
func (s *Spawner) Listens(name string) bool { return name == s.rule.ListenEvent }

// Invoke handles one spawn request. Unknown kinds and bad bindings are
// returned as errors so the delivery loop logs them; nothing is registered.
func (s *Spawner) Invoke(ctx context.Context, trigger *core.Envelope, _ core.Emit, _ core.Extras) error {
	if trigger == nil {
		return nil
	}
	var req Request
	if err := trigger.Decode(&req); err != nil {
		return &core.ValidationError{Event: trigger.Name, Err: err}
	}
	factory, ok := s.rule.Factories[req.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownKind, req.Kind)
	}
	binding, err := s.binding(req)
	if err != nil {
		return err
	}
	onSpawn := s.rule.OnSpawn
	if onSpawn == nil {
		onSpawn = DefaultOnSpawn
	}
	return onSpawn(ctx, SpawnContext{
		Kind:    req.Kind,
		Factory: factory,
		Request: req,
		Trigger: *trigger,
		Binding: binding,
		Spawn:   s.record,
	})
}

func (s *Spawner) record(ctx context.Context, agent core.Agent, binding Binding) error {
	if err := s.spawn(ctx, agent, binding); err != nil {
		return err
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, agent.ID())
	s.mu.Unlock()
	return nil
}

func (s *Spawner) binding(req Request) (Binding, error) {
	def := Binding{Subscribe: []core.ChannelName{s.rule.ListenChannel}}
	if s.rule.DefaultBinding != nil {
		def = s.rule.DefaultBinding(req.Kind)
	}
	out := def
	if len(req.Subscribe) > 0 {
		subs, err := s.resolveAll(req.Subscribe)
		if err != nil {
			return Binding{}, err
		}
		out.Subscribe = subs
	}
	if len(req.PublishTo) > 0 {
		pubs, err := s.resolveAll(req.PublishTo)
		if err != nil {
			return Binding{}, err
		}
		out.PublishTo = pubs
	}
	return out, nil
}

func (s *Spawner) resolveAll(names []string) ([]core.ChannelName, error) {
	out := make([]core.ChannelName, 0, len(names))
	for _, n := range names {
		c, err := s.resolve(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AgentIDs returns the identifiers of the agents spawned so far. An id is
// recorded only after the spawn function returned, so its registration is
// already visible to the runner.
func (s *Spawner) AgentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.spawned...)
}

var _ core.Agent = (*Spawner)(nil)
