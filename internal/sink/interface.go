// Package sink mirrors channel traffic to external targets declared with
// core.SinkDescriptor. Only sink kinds registered with the runner are
// mirrored; other descriptors remain metadata.
package sink

import (
	"context"
	"fmt"

	"go-agent-network/internal/core"
)

// Writer forwards envelopes to one external target.
type Writer interface {
	Write(ctx context.Context, channel core.ChannelName, env core.Envelope) error
	Close() error
}

// Factory opens a Writer for a descriptor.
type Factory func(desc core.SinkDescriptor) (Writer, error)

// Registry maps sink kinds to writer factories.
type Registry map[string]Factory

// Open returns a writer for desc, or ok=false when the kind is not registered.
func (r Registry) Open(desc core.SinkDescriptor) (Writer, bool, error) {
	f, ok := r[desc.Kind]
	if !ok {
		return nil, false, nil
	}
	w, err := f(desc)
	if err != nil {
		return nil, true, fmt.Errorf("open %s sink: %w", desc.Kind, err)
	}
	return w, true, nil
}
