package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"go-agent-network/internal/blackboard"
	"go-agent-network/internal/core"
	"go-agent-network/internal/meta"
	"go-agent-network/internal/network"
	"go-agent-network/internal/schema"
	"go-agent-network/internal/sink"
)

// Demo channel and event names.
const (
	ChannelMain   core.ChannelName = "main"
	ChannelClient core.ChannelName = "client"

	EventWeatherSet      = "weather-set"
	EventForecastCreated = "weather-forecast-created"
	EventAgentSpawn      = "agent-spawn"
	EventEchoRequest     = "echo-request"
	EventEchoReply       = "echo-reply"
)

var weatherSetSchema = []byte(`{
	"type": "object",
	"properties": {
		"temp": {"type": "number"},
		"city": {"type": "string"}
	},
	"required": ["temp"]
}`)

var agentSpawnSchema = []byte(`{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "minLength": 1},
		"params": {},
		"subscribe": {"type": "array", "items": {"type": "string"}},
		"publishTo": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["kind"]
}`)

type weatherSet struct {
	Temp float64 `json:"temp"`
	City string  `json:"city,omitempty"`
}

type forecast struct {
	City     string  `json:"city,omitempty"`
	Temp     float64 `json:"temp"`
	Outlook  string  `json:"outlook"`
	Previous float64 `json:"previous,omitempty"`
}

func outlook(temp float64) string {
	switch {
	case temp >= 25:
		return "hot"
	case temp <= 5:
		return "cold"
	default:
		return "mild"
	}
}

// forecaster turns weather-set into weather-forecast-created. When a state
// store is present it remembers the last temperature per context.
func forecaster() core.Agent {
	return core.NewAgent("forecaster", []string{EventWeatherSet}, func(ctx context.Context, trigger *core.Envelope, emit core.Emit, extras core.Extras) error {
		var in weatherSet
		if err := trigger.Decode(&in); err != nil {
			return &core.ValidationError{Event: trigger.Name, Err: err}
		}
		out := forecast{City: in.City, Temp: in.Temp, Outlook: outlook(in.Temp)}
		if extras.State != nil && trigger.Meta.ContextID != "" {
			key := blackboard.ContextKey(trigger.Meta.ContextID, "last-temp")
			if prev, _, err := extras.State.Get(ctx, key); err == nil {
				if f, ok := prev.(float64); ok {
					out.Previous = f
				}
			}
			if _, err := extras.State.Put(ctx, key, in.Temp, 0); err != nil {
				extras.Logger.Warn("forecaster state write failed", "error", err)
			}
		}
		emit(core.Envelope{Name: EventForecastCreated, Payload: out})
		return nil
	})
}

// audit logs everything reaching the client channel.
func audit() core.Agent {
	return core.NewAgent("audit", nil, func(_ context.Context, trigger *core.Envelope, _ core.Emit, extras core.Extras) error {
		extras.Logger.Info("client event", "event", trigger.Name, "run_id", trigger.Meta.RunID, "context_id", trigger.Meta.ContextID)
		return nil
	})
}

type echoParams struct {
	Prefix string `json:"prefix"`
}

// echoFactory builds agents answering echo-request with echo-reply.
func echoFactory(params json.RawMessage) (core.Agent, error) {
	var p echoParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("echo params: %w", err)
		}
	}
	return core.NewAgent("echo", []string{EventEchoRequest}, func(_ context.Context, trigger *core.Envelope, emit core.Emit, _ core.Extras) error {
		var text string
		if err := trigger.Decode(&text); err != nil {
			return err
		}
		emit(core.Envelope{Name: EventEchoReply, Payload: p.Prefix + text})
		return nil
	}), nil
}

// DemoNetwork assembles the weather network served by "agentnet serve".
// withSink mirrors the client channel to Redis.
func DemoNetwork(withSink bool) (*network.Network, error) {
	spawnEvent, err := schema.Event(EventAgentSpawn, agentSpawnSchema)
	if err != nil {
		return nil, err
	}
	setEvent, err := schema.Event(EventWeatherSet, weatherSetSchema)
	if err != nil {
		return nil, err
	}

	b := network.NewBuilder()
	main := b.DefineChannel(string(ChannelMain))
	client := b.DefineChannel(string(ChannelClient))
	b.Main(main)
	b.AttachEvents(main, setEvent, spawnEvent, core.DefineEvent(EventEchoRequest, nil))
	b.AttachEvents(client, core.DefineEvent(EventForecastCreated, nil), core.DefineEvent(EventEchoReply, nil))
	b.Expose(client)
	if withSink {
		b.AttachSink(client, core.SinkDescriptor{Kind: sink.KindRedis})
	}

	b.RegisterAgent(forecaster()).Subscribe(main).PublishTo(client)
	b.RegisterAgent(audit()).Subscribe(client)
	b.Spawner(meta.Rule{
		ListenChannel: main,
		ListenEvent:   EventAgentSpawn,
		Factories:     map[string]meta.AgentFactory{"echo": meta.FactoryFunc(echoFactory)},
		DefaultBinding: func(string) meta.Binding {
			return meta.Binding{Subscribe: []core.ChannelName{main}, PublishTo: []core.ChannelName{client}}
		},
	})
	return b.Build()
}
