// Package network assembles channels, agents and spawner rules into an
// immutable Network and runs it on an event plane.
package network

import (
	"errors"
	"fmt"

	"go-agent-network/internal/core"
	"go-agent-network/internal/meta"
)

// Builder collects a network description. It is not safe for concurrent use.
// Errors are accumulated and reported together by Build.
type Builder struct {
	channels map[core.ChannelName]*core.Channel
	order    []core.ChannelName
	main     core.ChannelName
	agents   []*AgentBuilder
	spawners []meta.Rule
	errs     []error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{channels: make(map[core.ChannelName]*core.Channel)}
}

func (b *Builder) fail(op string, err error) {
	b.errs = append(b.errs, &core.ConfigurationError{Op: op, Err: err})
}

func (b *Builder) channel(op string, name core.ChannelName) *core.Channel {
	c, ok := b.channels[name]
	if !ok {
		b.fail(op, fmt.Errorf("%w: %q", core.ErrUnknownChannel, string(name)))
	}
	return c
}

// DefineChannel declares a channel. Invalid and duplicate names are recorded
// as configuration errors.
func (b *Builder) DefineChannel(name string) core.ChannelName {
	c, err := core.ParseChannelName(name)
	if err != nil {
		b.fail("define channel", err)
		return ""
	}
	if _, dup := b.channels[c]; dup {
		b.fail("define channel", fmt.Errorf("%w: %q", core.ErrDuplicateChannel, name))
		return c
	}
	b.channels[c] = &core.Channel{Name: c}
	b.order = append(b.order, c)
	return c
}

// AttachEvents declares the events carried by channel.
func (b *Builder) AttachEvents(channel core.ChannelName, defs ...*core.EventDefinition) *Builder {
	c := b.channel("attach events", channel)
	if c == nil {
		return b
	}
	for _, d := range defs {
		if d == nil {
			b.fail("attach events", errors.New("nil event definition on "+string(channel)))
			continue
		}
		c.Events = append(c.Events, d)
	}
	return b
}

// AttachSink declares an external mirror target for channel.
func (b *Builder) AttachSink(channel core.ChannelName, desc core.SinkDescriptor) *Builder {
	if c := b.channel("attach sink", channel); c != nil {
		c.Sinks = append(c.Sinks, desc)
	}
	return b
}

// Expose flags channels for external streaming.
func (b *Builder) Expose(channels ...core.ChannelName) *Builder {
	for _, name := range channels {
		if c := b.channel("expose", name); c != nil {
			c.Exposed = true
		}
	}
	return b
}

// Main designates the entry-point channel. The first defined channel is used
// when Main is never called.
func (b *Builder) Main(channel core.ChannelName) *Builder {
	if b.channel("main", channel) != nil {
		b.main = channel
	}
	return b
}

// RegisterAgent adds a static agent. Bind it with Subscribe and PublishTo.
func (b *Builder) RegisterAgent(a core.Agent) *AgentBuilder {
	ab := &AgentBuilder{agent: a}
	b.agents = append(b.agents, ab)
	return ab
}

// Spawner adds a runtime agent-creation rule.
func (b *Builder) Spawner(rule meta.Rule) *Builder {
	b.spawners = append(b.spawners, rule)
	return b
}

// AgentBuilder binds a registered agent to channels.
type AgentBuilder struct {
	agent     core.Agent
	subscribe []core.ChannelName
	publishTo []core.ChannelName
}

// Subscribe adds input channels.
func (ab *AgentBuilder) Subscribe(channels ...core.ChannelName) *AgentBuilder {
	ab.subscribe = append(ab.subscribe, channels...)
	return ab
}

// PublishTo adds output channels.
func (ab *AgentBuilder) PublishTo(channels ...core.ChannelName) *AgentBuilder {
	ab.publishTo = append(ab.publishTo, channels...)
	return ab
}

func (b *Builder) resolve(name string) (core.ChannelName, error) {
	c := core.ChannelName(name)
	if _, ok := b.channels[c]; !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownChannel, name)
	}
	return c, nil
}

// Build validates the description and freezes it.
func (b *Builder) Build() (*Network, error) {
	errs := append([]error(nil), b.errs...)
	if len(b.order) == 0 {
		errs = append(errs, &core.ConfigurationError{Op: "build", Err: errors.New("network has no channels")})
		return nil, errors.Join(errs...)
	}

	n := &Network{
		index: make(map[core.ChannelName]int, len(b.order)),
		main:  b.main,
	}
	if n.main == "" {
		n.main = b.order[0]
	}
	for i, name := range b.order {
		c := b.channels[name]
		n.channels = append(n.channels, core.Channel{
			Name:    c.Name,
			Events:  append([]*core.EventDefinition(nil), c.Events...),
			Sinks:   append([]core.SinkDescriptor(nil), c.Sinks...),
			Exposed: c.Exposed,
		})
		n.index[name] = i
	}

	for _, ab := range b.agents {
		reg, err := n.registration(ab.agent, ab.subscribe, ab.publishTo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n.registrations = append(n.registrations, reg)
	}
	for _, rule := range b.spawners {
		if err := rule.Validate(b.resolve); err != nil {
			errs = append(errs, err)
			continue
		}
		n.spawners = append(n.spawners, rule)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return n, nil
}
