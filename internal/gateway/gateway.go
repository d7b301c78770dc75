// Package gateway streams channel traffic to HTTP callers as server-sent
// events. A Gateway either shares one long-lived runner across requests or
// runs a fresh network per request.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go-agent-network/internal/core"
	"go-agent-network/internal/network"
	"go-agent-network/internal/telemetry"
)

// Mode selects who owns the event plane.
type Mode string

const (
	// ModeShared streams from a runner owned by the caller.
	ModeShared Mode = "shared"
	// ModeEphemeral runs the network for the lifetime of each request.
	ModeEphemeral Mode = "ephemeral"
)

// DefaultChannel is streamed when nothing is selected or exposed.
const DefaultChannel core.ChannelName = "client"

// AuthResult is the outcome of an auth hook.
type AuthResult struct {
	Allowed bool
	// Status defaults to 401 when denied.
	Status  int
	Message string
}

// Allow admits the request.
func Allow() AuthResult { return AuthResult{Allowed: true} }

// Deny rejects the request with status and message.
func Deny(status int, message string) AuthResult {
	return AuthResult{Status: status, Message: message}
}

// AuthFunc inspects the raw request before any channel work.
type AuthFunc func(r *http.Request) AuthResult

// BearerToken admits requests carrying "Authorization: Bearer <token>".
func BearerToken(token string) AuthFunc {
	want := "Bearer " + token
	return func(r *http.Request) AuthResult {
		if r.Header.Get("Authorization") != want {
			return Deny(http.StatusUnauthorized, "missing or invalid bearer token")
		}
		return Allow()
	}
}

// StartRequest is handed to the start hook once the session is subscribed.
type StartRequest struct {
	Request *http.Request
	// Payload is the JSON request body, or nil when there was none.
	Payload   json.RawMessage
	ContextID string
	RunID     string
	Network   *network.Network
	emit      func(core.Envelope)
}

// EmitStart queues env for the main channel stamped with contextID and runID.
func (s StartRequest) EmitStart(contextID, runID string, env core.Envelope) {
	env.Meta.ContextID = contextID
	env.Meta.RunID = runID
	s.emit(env.Caused(nil))
}

// StartFunc maps a request to its start envelope. Returning without emitting
// makes the session observer-only.
type StartFunc func(ctx context.Context, req StartRequest) error

// DefaultStart validates the payload against the first event declared on
// the main channel and emits it. Requests without a body only observe.
func DefaultStart(_ context.Context, req StartRequest) error {
	main := req.Network.Main()
	if req.Payload == nil || len(main.Events) == 0 {
		return nil
	}
	def := main.Events[0]
	v, err := def.Validate(req.Payload)
	if err != nil {
		return err
	}
	req.EmitStart(req.ContextID, req.RunID, core.Envelope{Name: def.Name, Payload: v})
	return nil
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	channels  []core.ChannelName
	events    []string
	auth      AuthFunc
	start     StartFunc
	contextID func(*http.Request) string
	runID     func(*http.Request) string
	heartbeat time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
	recorder  *telemetry.Recorder
	runOpts   []network.RunOption
	maxBody   int64
}

// WithChannels selects the streamed channels explicitly.
func WithChannels(channels ...core.ChannelName) Option {
	return func(o *options) { o.channels = append(o.channels, channels...) }
}

// WithEvents streams only the named events. Empty streams everything.
func WithEvents(names ...string) Option {
	return func(o *options) { o.events = append(o.events, names...) }
}

// WithAuth sets the auth hook.
func WithAuth(f AuthFunc) Option { return func(o *options) { o.auth = f } }

// WithStart sets the request-mapping hook. Defaults to DefaultStart.
func WithStart(f StartFunc) Option { return func(o *options) { o.start = f } }

// WithContextID derives the context id from the request.
func WithContextID(f func(*http.Request) string) Option {
	return func(o *options) { o.contextID = f }
}

// WithRunID derives the run id from the request.
func WithRunID(f func(*http.Request) string) Option {
	return func(o *options) { o.runID = f }
}

// WithHeartbeat writes a comment frame every d while the stream is idle.
func WithHeartbeat(d time.Duration) Option { return func(o *options) { o.heartbeat = d } }

// WithLimiter rejects requests with 429 when l has no token.
func WithLimiter(l *rate.Limiter) Option { return func(o *options) { o.limiter = l } }

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRecorder enables telemetry.
func WithRecorder(r *telemetry.Recorder) Option { return func(o *options) { o.recorder = r } }

// WithRunOptions configures the per-request runs of an ephemeral gateway.
func WithRunOptions(opts ...network.RunOption) Option {
	return func(o *options) { o.runOpts = append(o.runOpts, opts...) }
}

// WithMaxBody caps the request body size.
func WithMaxBody(n int64) Option { return func(o *options) { o.maxBody = n } }

// Gateway is an http.Handler streaming one session per request.
type Gateway struct {
	mode    Mode
	network *network.Network
	runner  *network.Runner
	opts    options
}

func newGateway(mode Mode, n *network.Network, r *network.Runner, opts []Option) *Gateway {
	o := options{
		start:   DefaultStart,
		maxBody: 1 << 20,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.contextID == nil {
		o.contextID = func(*http.Request) string { return uuid.NewString() }
	}
	if o.runID == nil {
		o.runID = func(*http.Request) string { return uuid.NewString() }
	}
	return &Gateway{mode: mode, network: n, runner: r, opts: o}
}

// NewShared streams from r. The caller keeps ownership of r.
func NewShared(r *network.Runner, opts ...Option) *Gateway {
	return newGateway(ModeShared, r.Network(), r, opts)
}

// NewEphemeral runs n once per request and tears the run down when the
// request ends.
func NewEphemeral(n *network.Network, opts ...Option) *Gateway {
	return newGateway(ModeEphemeral, n, nil, opts)
}

// Mode reports the plane ownership mode.
func (g *Gateway) Mode() Mode { return g.mode }

// Channels resolves the streamed channels: explicit selection, else exposed
// channels, else DefaultChannel, else the first channel.
func (g *Gateway) Channels() []core.ChannelName {
	if len(g.opts.channels) > 0 {
		return append([]core.ChannelName(nil), g.opts.channels...)
	}
	if exposed := g.network.Exposed(); len(exposed) > 0 {
		return exposed
	}
	if _, ok := g.network.Channel(DefaultChannel); ok {
		return []core.ChannelName{DefaultChannel}
	}
	return g.network.ChannelNames()[:1]
}
