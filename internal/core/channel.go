package core

import (
	"fmt"
	"regexp"
)

var channelNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ChannelName is a validated kebab-case topic identifier.
type ChannelName string

// ParseChannelName returns name as a ChannelName or ErrInvalidChannelName.
// Names are never normalized.
func ParseChannelName(name string) (ChannelName, error) {
	if !channelNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	return ChannelName(name), nil
}

// MustChannelName is ParseChannelName for package-level declarations.
func MustChannelName(name string) ChannelName {
	c, err := ParseChannelName(name)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ChannelName) String() string { return string(c) }

// SinkDescriptor declares an external mirror target for a channel. The core
// only carries it as metadata.
type SinkDescriptor struct {
	Kind    string            `json:"kind"`
	Target  string            `json:"target,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Channel is a named topic with its declared events and sinks. Channels are
// frozen once the network is built.
type Channel struct {
	Name    ChannelName
	Events  []*EventDefinition
	Sinks   []SinkDescriptor
	Exposed bool
}

// EventNames returns the names of the events declared on the channel.
func (c Channel) EventNames() []string {
	names := make([]string, 0, len(c.Events))
	for _, ev := range c.Events {
		names = append(names, ev.Name)
	}
	return names
}

// Event looks up a declared event definition by name.
func (c Channel) Event(name string) (*EventDefinition, bool) {
	for _, ev := range c.Events {
		if ev.Name == name {
			return ev, true
		}
	}
	return nil, false
}
