package network

import (
	"errors"
	"fmt"
	"slices"

	"go-agent-network/internal/core"
	"go-agent-network/internal/meta"
)

// Registration binds an agent to its input and output channels.
type Registration struct {
	Agent     core.Agent
	Subscribe []core.ChannelName
	PublishTo []core.ChannelName
	// Spawned is set for agents added at runtime by a spawner.
	Spawned bool
}

// Network is an assembled, immutable description. One Network can be run
// many times, each run on its own or a shared plane.
type Network struct {
	channels      []core.Channel
	index         map[core.ChannelName]int
	main          core.ChannelName
	registrations []Registration
	spawners      []meta.Rule
}

// Channels returns the channels in definition order.
func (n *Network) Channels() []core.Channel { return slices.Clone(n.channels) }

// ChannelNames returns the channel names in definition order.
func (n *Network) ChannelNames() []core.ChannelName {
	names := make([]core.ChannelName, len(n.channels))
	for i, c := range n.channels {
		names[i] = c.Name
	}
	return names
}

// Channel looks up a channel by name.
func (n *Network) Channel(name core.ChannelName) (core.Channel, bool) {
	i, ok := n.index[name]
	if !ok {
		return core.Channel{}, false
	}
	return n.channels[i], true
}

// Main returns the entry-point channel.
func (n *Network) Main() core.Channel {
	c, _ := n.Channel(n.main)
	return c
}

// Exposed returns the channels flagged for external streaming.
func (n *Network) Exposed() []core.ChannelName {
	var out []core.ChannelName
	for _, c := range n.channels {
		if c.Exposed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Registrations returns the static agent registrations.
func (n *Network) Registrations() []Registration { return slices.Clone(n.registrations) }

// Resolve maps name to a channel of the network.
func (n *Network) Resolve(name string) (core.ChannelName, error) {
	c := core.ChannelName(name)
	if _, ok := n.index[c]; !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownChannel, name)
	}
	return c, nil
}

func (n *Network) registration(a core.Agent, subscribe, publishTo []core.ChannelName) (Registration, error) {
	if a == nil {
		return Registration{}, &core.ConfigurationError{Op: "register agent", Err: errors.New("nil agent")}
	}
	op := "register agent " + a.ID()
	for _, c := range slices.Concat(subscribe, publishTo) {
		if _, err := n.Resolve(string(c)); err != nil {
			return Registration{}, &core.ConfigurationError{Op: op, Err: err}
		}
	}
	return Registration{
		Agent:     a,
		Subscribe: unique(subscribe),
		PublishTo: unique(publishTo),
	}, nil
}

// unique drops repeated channels, keeping first occurrences in order. A
// channel listed twice would otherwise get two delivery loops.
func unique(in []core.ChannelName) []core.ChannelName {
	out := make([]core.ChannelName, 0, len(in))
	for _, c := range in {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
