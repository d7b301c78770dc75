package sink

import (
	"context"
	"log/slog"

	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
)

// Mirror forwards every envelope of sub to w until the subscription ends.
// Write failures are logged and skipped. Mirror closes both sub and w.
func Mirror(ctx context.Context, sub eventbus.Subscription, w Writer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		_ = sub.Close()
		_ = w.Close()
	}()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if !core.IsCancellation(err) {
				logger.Warn("sink mirror stopped", "channel", string(sub.Channel()), "error", err)
			}
			return
		}
		if err := w.Write(ctx, sub.Channel(), env); err != nil {
			if core.IsCancellation(err) {
				return
			}
			logger.Warn("sink write failed", "channel", string(sub.Channel()), "event", env.Name, "error", err)
		}
	}
}
