package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Meta carries correlation metadata for an envelope. RunID scopes one
// triggered execution, ContextID groups several runs (a conversation).
type Meta struct {
	RunID         string `json:"runId"`
	ContextID     string `json:"contextId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"ts,omitempty"`
}

// NewMeta returns metadata for runID stamped with a fresh correlation id and
// the current time.
func NewMeta(runID string) Meta {
	return Meta{
		RunID:         runID,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Time returns the timestamp as a time.Time, or the zero time when unset.
func (m Meta) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// Envelope is the unit exchanged over a channel. Treat it as immutable after
// construction.
type Envelope struct {
	Name    string `json:"name"`
	Meta    Meta   `json:"meta"`
	Payload any    `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	var raw []byte
	switch p := e.Payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case nil:
		raw = []byte("null")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, dst)
}

// Caused returns a copy of e whose unset metadata is inherited from trigger:
// run and context ids are copied, the causation id points at the trigger's
// correlation id, and a new correlation id and timestamp are assigned.
func (e Envelope) Caused(trigger *Envelope) Envelope {
	if trigger != nil {
		if e.Meta.RunID == "" {
			e.Meta.RunID = trigger.Meta.RunID
		}
		if e.Meta.ContextID == "" {
			e.Meta.ContextID = trigger.Meta.ContextID
		}
		if e.Meta.CausationID == "" {
			e.Meta.CausationID = trigger.Meta.CorrelationID
		}
	}
	if e.Meta.CorrelationID == "" {
		e.Meta.CorrelationID = uuid.NewString()
	}
	if e.Meta.Timestamp == 0 {
		e.Meta.Timestamp = time.Now().UnixMilli()
	}
	return e
}
