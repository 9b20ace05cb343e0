package events

import (
	"context"
	"fmt"

	"github.com/morezero/webview-ipc/pkg/bridge"
)

const emitterLogPrefix = "events:emitter"

// Emitter is the interface for emitting events to the host.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
	EmitTo(ctx context.Context, target Target, event string, payload any) error
}

// SessionEmitter emits events through a bridge session.
type SessionEmitter struct {
	s *bridge.Session
}

// NewSessionEmitter creates a SessionEmitter.
func NewSessionEmitter(s *bridge.Session) *SessionEmitter {
	return &SessionEmitter{s: s}
}

// Emit sends event to every listener.
func (e *SessionEmitter) Emit(ctx context.Context, event string, payload any) error {
	return Emit(ctx, e.s, event, payload)
}

// EmitTo sends event to listeners matching target.
func (e *SessionEmitter) EmitTo(ctx context.Context, target Target, event string, payload any) error {
	return EmitTo(ctx, e.s, target, event, payload)
}

// CallbackEmitter is an Emitter that calls a callback function (for testing).
type CallbackEmitter struct {
	callback func(ctx context.Context, target *Target, event string, payload any) error
}

// NewCallbackEmitter creates a new CallbackEmitter. A nil target means Emit.
func NewCallbackEmitter(cb func(ctx context.Context, target *Target, event string, payload any) error) *CallbackEmitter {
	return &CallbackEmitter{callback: cb}
}

// Emit calls the callback with a nil target.
func (e *CallbackEmitter) Emit(ctx context.Context, event string, payload any) error {
	return e.callback(ctx, nil, event, payload)
}

// EmitTo calls the callback.
func (e *CallbackEmitter) EmitTo(ctx context.Context, target Target, event string, payload any) error {
	return e.callback(ctx, &target, event, payload)
}

// Emit sends event with payload to every listener.
func Emit(ctx context.Context, s *bridge.Session, event string, payload any) error {
	args := map[string]any{"event": event, "payload": payload}
	if _, err := s.Invoke(ctx, CmdEmit, args, nil).Await(ctx); err != nil {
		return fmt.Errorf("%s - failed to emit %s: %w", emitterLogPrefix, event, err)
	}
	return nil
}

// EmitTo sends event with payload to the listeners matching target.
func EmitTo(ctx context.Context, s *bridge.Session, target Target, event string, payload any) error {
	args := map[string]any{"target": target, "event": event, "payload": payload}
	if _, err := s.Invoke(ctx, CmdEmitTo, args, nil).Await(ctx); err != nil {
		return fmt.Errorf("%s - failed to emit %s to %s: %w", emitterLogPrefix, event, target.Kind, err)
	}
	return nil
}
