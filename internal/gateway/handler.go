package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go-agent-network/internal/core"
	"go-agent-network/internal/eventbus"
	"go-agent-network/internal/network"
)

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: status, Message: message})
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := g.opts.logger.With("mode", string(g.mode), "path", r.URL.Path)

	if g.opts.limiter != nil && !g.opts.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if g.opts.auth != nil {
		if res := g.opts.auth(r); !res.Allowed {
			aerr := &core.AuthError{Status: res.Status, Message: res.Message}
			if aerr.Status == 0 {
				aerr.Status = http.StatusUnauthorized
			}
			if aerr.Message == "" {
				aerr.Message = http.StatusText(aerr.Status)
			}
			logger.Info("gateway request denied", "status", aerr.Status, "error", aerr)
			writeError(w, aerr.Status, aerr.Message)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	payload, err := g.readPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := g.eventFilter(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	runner := g.runner
	if g.mode == ModeEphemeral {
		opts := append([]network.RunOption{network.WithLogger(g.opts.logger), network.WithRecorder(g.opts.recorder)}, g.opts.runOpts...)
		runner, err = g.network.Run(ctx, opts...)
		if err != nil {
			logger.Error("gateway run failed", "error", err)
			writeError(w, http.StatusInternalServerError, "network unavailable")
			return
		}
		defer runner.Close()
	}
	plane := runner.Plane()

	// subscribe before anything is triggered so the first response is not missed
	subs := make([]eventbus.Subscription, 0)
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()
	for _, c := range g.Channels() {
		sub, err := plane.Subscribe(ctx, c)
		if err != nil {
			logger.Error("gateway subscribe failed", "channel", string(c), "error", err)
			writeError(w, http.StatusServiceUnavailable, "channel unavailable")
			return
		}
		subs = append(subs, sub)
	}

	contextID, runID := g.opts.contextID(r), g.opts.runID(r)
	out := eventbus.NewOutbox(plane, []core.ChannelName{g.network.Main().Name}, logger)
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		out.Run(ctx)
	}()
	defer drain.Wait()
	defer cancel()

	err = g.opts.start(ctx, StartRequest{
		Request:   r,
		Payload:   payload,
		ContextID: contextID,
		RunID:     runID,
		Network:   g.network,
		emit:      out.Push,
	})
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		logger.Error("gateway start failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "start failed")
		return
	}

	g.opts.recorder.SessionStarted(ctx, string(g.mode))
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Run-Id", runID)
	h.Set("X-Context-Id", contextID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.stream(ctx, w, flusher, merge(ctx, subs, filter))
	logger.Debug("gateway session closed", "run_id", runID, "context_id", contextID)
}

func (g *Gateway) readPayload(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, g.opts.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > g.opts.maxBody {
		return nil, errors.New("request body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, &core.ValidationError{Err: errors.New("request body is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

// eventFilter combines the configured events with the comma separated
// "events" query parameter. The query can only narrow the configured set.
// A nil result streams every event.
func (g *Gateway) eventFilter(r *http.Request) map[string]struct{} {
	var requested []string
	for _, v := range r.URL.Query()["events"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				requested = append(requested, name)
			}
		}
	}
	names := g.opts.events
	switch {
	case len(names) == 0:
		names = requested
	case len(requested) > 0:
		names = slices.DeleteFunc(slices.Clone(requested), func(n string) bool { return !slices.Contains(g.opts.events, n) })
		if len(names) == 0 {
			// nothing in common: stream nothing rather than everything
			return map[string]struct{}{}
		}
	}
	if len(names) == 0 {
		return nil
	}
	filter := make(map[string]struct{}, len(names))
	for _, n := range names {
		filter[n] = struct{}{}
	}
	return filter
}

// merge forwards matching envelopes of every subscription into one channel,
// which is closed once all subscriptions have ended.
func merge(ctx context.Context, subs []eventbus.Subscription, filter map[string]struct{}) <-chan core.Envelope {
	out := make(chan core.Envelope)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := sub.Next(ctx)
				if err != nil {
					return
				}
				if filter != nil {
					if _, ok := filter[env.Name]; !ok {
						continue
					}
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (g *Gateway) stream(ctx context.Context, w io.Writer, flusher http.Flusher, frames <-chan core.Envelope) {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	if g.opts.heartbeat > 0 {
		ticker = time.NewTicker(g.opts.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(w, env); err != nil {
				if errors.Is(err, errUnsafeName) {
					g.opts.logger.Warn("gateway skipped frame", "error", err)
					continue
				}
				g.opts.logger.Debug("gateway write failed", "event", env.Name, "error", err)
				return
			}
			if ticker != nil {
				// pings only fill idle gaps
				ticker.Reset(g.opts.heartbeat)
			}
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}
