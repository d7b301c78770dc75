package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrDuplicateChannel   = errors.New("duplicate channel")
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrPlaneClosed        = errors.New("event plane closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrUnknownKind        = errors.New("unknown agent kind")
)

// ConfigurationError is raised while assembling a network. It is never retried.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("configuration: %s: %v", e.Op, e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError reports a payload that does not satisfy an event's declared shape.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("validation: %v", e.Err)
	}
	return fmt.Sprintf("validation: event %q: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DeliveryError is returned to a publisher whose target channel cannot be reached.
type DeliveryError struct {
	Channel ChannelName
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %q: %v", string(e.Channel), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// AgentInvocationError wraps a failure raised by an agent's Invoke. The
// delivery loop logs it and moves on to the next envelope.
type AgentInvocationError struct {
	AgentID string
	Channel ChannelName
	Event   string
	Err     error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent %s on %q handling %q: %v", e.AgentID, string(e.Channel), e.Event, e.Err)
}

func (e *AgentInvocationError) Unwrap() error { return e.Err }

// AuthError is surfaced to an external caller before any stream is opened.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %d %s", e.Status, e.Message) }

// IsCancellation reports whether err is the normal outcome of a disconnect or shutdown.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrPlaneClosed) ||
		errors.Is(err, ErrSubscriptionClosed)
}
