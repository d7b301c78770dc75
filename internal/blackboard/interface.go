// Package blackboard provides the versioned key/value store agents reach
// through core.Extras.State. Keys are usually scoped to a conversation with
// ContextKey so runs sharing a context id see each other's state.
package blackboard

import (
	"context"
	"time"

	"go-agent-network/internal/core"
)

// Update is published to watchers when a key changes.
type Update struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Version int64  `json:"version"`
}

// Store defines operations for a shared knowledge base.
type Store interface {
	core.StateStore
	Txn(ctx context.Context, values map[string]any, ttl time.Duration) error
	Watch(ctx context.Context, pattern string) (<-chan Update, error)
	Close() error
}

// ContextKey scopes key to a context id.
func ContextKey(contextID, key string) string {
	return "ctx:" + contextID + ":" + key
}
