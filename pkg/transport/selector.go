package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/metrics"
	"github.com/morezero/webview-ipc/pkg/payload"
)

const selectorLogPrefix = "transport:selector"

// NewSelectorParams configures a Selector.
type NewSelectorParams struct {
	// Protocol is the preferred transport. May be nil.
	Protocol *Protocol
	// Poster is the fallback transport. May be nil.
	Poster Poster
	// CanUseProtocol reports whether the platform supports the custom protocol
	// for ordinary commands.
	CanUseProtocol bool
	Metrics        *metrics.Metrics
}

// Selector picks the transport for each message. Once the custom protocol
// fails it is never tried again by this Selector.
type Selector struct {
	protocol       *Protocol
	poster         Poster
	canUseProtocol bool
	failed         atomic.Bool
	metrics        *metrics.Metrics
}

// NewSelector creates a Selector in the custom-protocol-preferred state.
func NewSelector(params NewSelectorParams) *Selector {
	return &Selector{
		protocol:       params.Protocol,
		poster:         params.Poster,
		canUseProtocol: params.CanUseProtocol,
		metrics:        params.Metrics,
	}
}

// ProtocolFailed reports whether the selector is in the fallback-only state.
func (s *Selector) ProtocolFailed() bool {
	return s.failed.Load()
}

// Send delivers msg through the custom protocol when allowed, falling back
// to the post transport after a transport failure.
func (s *Selector) Send(ctx context.Context, msg *Message) error {
	if s.useProtocol(msg.Cmd) {
		s.metrics.Invoked(metrics.TransportProtocol)
		err := s.protocol.Send(ctx, msg)
		if err == nil {
			return nil
		}
		var terr *Error
		if !errors.As(err, &terr) || terr.Code != CodeTransportFailed || ctx.Err() != nil {
			return err
		}
		slog.Warn(fmt.Sprintf("%s - IPC custom protocol failed, falling back to post message: %v", selectorLogPrefix, err))
		if s.failed.CompareAndSwap(false, true) {
			s.metrics.Fallback()
		}
	}
	return s.post(ctx, msg)
}

func (s *Selector) useProtocol(cmd string) bool {
	if s.protocol == nil || s.failed.Load() {
		return false
	}
	return s.canUseProtocol || cmd == FetchChannelDataCommand
}

func (s *Selector) post(ctx context.Context, msg *Message) error {
	if s.poster == nil {
		return &Error{Code: CodeNoTransport, Message: "no post transport configured"}
	}

	body, err := payload.Serialize(msg.Payload)
	if err != nil {
		return &Error{Code: CodeEncodeFailed, Message: "failed to serialize payload", Err: err}
	}

	opts := Options{CustomProtocolBlocked: s.failed.Load()}
	if msg.Options != nil {
		opts.Headers = msg.Options.Headers
	}
	envelope := Message{
		Cmd:       msg.Cmd,
		Callback:  msg.Callback,
		Error:     msg.Error,
		Payload:   body.Document(),
		Options:   &opts,
		InvokeKey: msg.InvokeKey,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return &Error{Code: CodeEncodeFailed, Message: "failed to encode message", Err: err}
	}

	s.metrics.Invoked(metrics.TransportPost)
	if err := s.poster.PostMessage(ctx, data); err != nil {
		return fmt.Errorf("%s - failed to post message: %w", selectorLogPrefix, err)
	}
	return nil
}
