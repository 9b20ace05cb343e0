// Package bridge is the invoke dispatcher: it turns a command call into a
// pair of callback tokens, waits for the host to be ready, and hands the
// message to the transport or the isolation relay.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/isolation"
	"github.com/morezero/webview-ipc/pkg/metrics"
	"github.com/morezero/webview-ipc/pkg/transport"
)

const logPrefix = "bridge:session"

// Pattern selects how outbound messages reach the transport.
type Pattern string

const (
	// PatternBrownfield sends messages straight to the transport selector.
	PatternBrownfield Pattern = "brownfield"
	// PatternIsolation routes messages through the isolation relay.
	PatternIsolation Pattern = "isolation"
)

// DefaultPollInterval is how often readiness is re-checked while calls are queued.
const DefaultPollInterval = 50 * time.Millisecond

// Sender hands a message to a transport. *transport.Selector implements it.
type Sender interface {
	Send(ctx context.Context, msg *transport.Message) error
}

// Params configures a Session.
type Params struct {
	Registry *callback.Registry
	Selector Sender
	Pattern  Pattern
	// Relay is required for PatternIsolation.
	Relay *isolation.Relay
	// ReadyFunc reports whether the host side is ready. Nil means always ready.
	ReadyFunc    func() bool
	PollInterval time.Duration
	// InvokeKey is attached to every message. A random key is generated when empty.
	InvokeKey string
	Metrics   *metrics.Metrics
}

// InvokeOptions are per-call options.
type InvokeOptions struct {
	Headers map[string]string
}

// Session owns the state of one bridge instance.
type Session struct {
	registry  *callback.Registry
	selector  Sender
	pattern   Pattern
	relay     *isolation.Relay
	readyFunc func() bool
	poll      time.Duration
	invokeKey string
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ready   bool
	polling bool
	closed  bool
	queue   []func()

	callsMu sync.Mutex
	calls   map[*Call]struct{}
}

// NewSession creates a Session. Registry defaults to a fresh one.
func NewSession(params Params) *Session {
	reg := params.Registry
	if reg == nil {
		reg = callback.New(params.Metrics)
	}
	pattern := params.Pattern
	if pattern == "" {
		pattern = PatternBrownfield
	}
	poll := params.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	key := params.InvokeKey
	if key == "" {
		key = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		registry:  reg,
		selector:  params.Selector,
		pattern:   pattern,
		relay:     params.Relay,
		readyFunc: params.ReadyFunc,
		poll:      poll,
		invokeKey: key,
		metrics:   params.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		calls:     make(map[*Call]struct{}),
	}
}

// Registry returns the session's callback registry.
func (s *Session) Registry() *callback.Registry {
	return s.registry
}

// Metrics returns the session metrics, possibly nil.
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

// InvokeKey returns the key attached to every message of this session.
func (s *Session) InvokeKey() string {
	return s.invokeKey
}

// Invoke sends cmd with args to the host and returns the pending call.
// Nil args are sent as an empty document. Calls made before the host is
// ready are queued and sent in order once it is. Sends happen on the
// calling goroutine, so with the custom protocol Invoke returns after the
// host has answered.
func (s *Session) Invoke(ctx context.Context, cmd string, args any, opts *InvokeOptions) *Call {
	call := &Call{s: s, cmd: cmd, done: make(chan struct{})}
	call.okTok = s.registry.Register(func(v any) {
		call.settle(v, nil, metrics.OutcomeOk)
	}, true)
	call.errTok = s.registry.Register(func(v any) {
		call.settle(nil, &InvokeError{Cmd: cmd, Value: v}, metrics.OutcomeError)
	}, true)

	if args == nil {
		args = map[string]any{}
	}
	msg := &transport.Message{
		Cmd:       cmd,
		Callback:  call.okTok,
		Error:     call.errTok,
		Payload:   args,
		InvokeKey: s.invokeKey,
	}
	if opts != nil && len(opts.Headers) > 0 {
		msg.Options = &transport.Options{Headers: opts.Headers}
	}

	if !s.track(call) {
		call.settle(nil, ErrClosed, metrics.OutcomeError)
		return call
	}
	s.whenReady(func() { s.dispatch(ctx, call, msg) })
	return call
}

// InvokeJSON invokes cmd and decodes the result into T.
func InvokeJSON[T any](ctx context.Context, s *Session, cmd string, args any, opts *InvokeOptions) (T, error) {
	var out T
	v, err := s.Invoke(ctx, cmd, args, opts).Await(ctx)
	if err != nil {
		return out, err
	}
	if err := decodeValue(v, &out); err != nil {
		return out, fmt.Errorf("%s - failed to decode %s result: %w", logPrefix, cmd, err)
	}
	return out, nil
}

// Close cancels the session context and rejects every pending call with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cancel()

	s.callsMu.Lock()
	pending := make([]*Call, 0, len(s.calls))
	for c := range s.calls {
		pending = append(pending, c)
	}
	s.callsMu.Unlock()

	for _, c := range pending {
		c.settle(nil, ErrClosed, metrics.OutcomeError)
	}
	slog.Info(fmt.Sprintf("%s - session closed, rejected %d pending calls", logPrefix, len(pending)))
}

// Ready reports whether queued calls have been released.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) track(c *Call) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.callsMu.Lock()
	s.calls[c] = struct{}{}
	s.callsMu.Unlock()
	return true
}

func (s *Session) forget(c *Call) {
	s.callsMu.Lock()
	delete(s.calls, c)
	s.callsMu.Unlock()
}

func (s *Session) probe() bool {
	return s.readyFunc == nil || s.readyFunc()
}

// whenReady runs fn now when the host is ready and nothing is queued ahead
// of it, otherwise queues it for the poller. The probe and fn never run
// under s.mu.
func (s *Session) whenReady(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.ready {
		s.mu.Unlock()
		fn()
		return
	}
	idle := len(s.queue) == 0 && !s.polling
	s.mu.Unlock()

	probed := idle && s.probe()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if probed && !s.ready && len(s.queue) == 0 && !s.polling {
		s.ready = true
	}
	if s.ready {
		s.mu.Unlock()
		fn()
		return
	}
	s.queue = append(s.queue, fn)
	if !s.polling {
		s.polling = true
		go s.pollReady()
	}
	s.mu.Unlock()
}

// pollReady waits for the probe to succeed, then drains the queue in order.
// Calls that arrive while a batch is being sent are queued behind it; ready
// only flips once the queue is empty, so nothing overtakes a queued call.
func (s *Session) pollReady() {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.probe() {
			continue
		}
		s.drain()
		return
	}
}

func (s *Session) drain() {
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return
		}
		queued := s.queue
		s.queue = nil
		if len(queued) == 0 {
			s.ready = true
			s.polling = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		slog.Debug(fmt.Sprintf("%s - host ready, releasing %d queued calls", logPrefix, len(queued)))
		for _, fn := range queued {
			fn()
		}
		s.mu.Lock()
	}
}

func (s *Session) dispatch(ctx context.Context, call *Call, msg *transport.Message) {
	select {
	case <-call.done:
		return
	default:
	}

	switch s.pattern {
	case PatternBrownfield:
		if s.selector == nil {
			call.settle(nil, &transport.Error{Code: transport.CodeNoTransport, Message: "no transport selector configured"}, metrics.OutcomeError)
			return
		}
		s.send(ctx, call, msg)
	case PatternIsolation:
		if s.relay == nil {
			slog.Error(fmt.Sprintf("%s - isolation pattern without a relay, dropping %s", logPrefix, msg.Cmd))
			return
		}
		s.relay.Send(msg)
	default:
		slog.Error(fmt.Sprintf("%s - unknown pattern %q, dropping %s", logPrefix, s.pattern, msg.Cmd))
	}
}

func (s *Session) send(ctx context.Context, call *Call, msg *transport.Message) {
	if err := s.selector.Send(ctx, msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send %s: %v", logPrefix, msg.Cmd, err))
		call.settle(nil, err, metrics.OutcomeError)
	}
}

// Forward sends a message produced by the isolation relay. Its tokens are
// the ones Invoke allocated, so a send failure rejects the matching call.
func (s *Session) Forward(msg *transport.Message) {
	if s.selector == nil {
		slog.Error(fmt.Sprintf("%s - no transport selector configured, dropping %s", logPrefix, msg.Cmd))
		return
	}
	if err := s.selector.Send(s.ctx, msg); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to forward %s: %v", logPrefix, msg.Cmd, err))
		s.registry.Deliver(msg.Error, err.Error())
	}
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
