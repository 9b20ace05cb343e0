package isolation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/webview-ipc/pkg/metrics"
	"github.com/morezero/webview-ipc/pkg/transport"
)

const relayLogPrefix = "isolation:relay"

// Drop reasons recorded in metrics.
const (
	DropInvalidOutbound = "invalid_outbound"
	DropInvalidInbound  = "invalid_inbound"
	DropTargetMissing   = "target_missing"
)

// ForwardFunc hands a validated isolation message to the transport selector.
type ForwardFunc func(msg *transport.Message)

// NewRelayParams configures a Relay.
type NewRelayParams struct {
	Locator Locator
	Forward ForwardFunc
	Metrics *metrics.Metrics
}

// Relay queues outbound messages until the intermediate context signals
// readiness, then posts them in order. Sealed messages coming back are
// validated and forwarded.
type Relay struct {
	locator Locator
	forward ForwardFunc
	metrics *metrics.Metrics

	mu     sync.Mutex
	ready  bool
	queue  []map[string]any
	target Target
}

// NewRelay creates a Relay in the not-ready state.
func NewRelay(params NewRelayParams) *Relay {
	return &Relay{
		locator: params.Locator,
		forward: params.Forward,
		metrics: params.Metrics,
	}
}

// Send posts msg to the intermediate context, or queues it until ready.
func (r *Relay) Send(msg *transport.Message) {
	if !isIsolationPayload(msg) {
		slog.Error(fmt.Sprintf("%s - refusing to send malformed message to the isolation context", relayLogPrefix))
		r.metrics.IsolationDrop(DropInvalidOutbound)
		return
	}
	data := frameData(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		r.queue = append(r.queue, data)
		return
	}
	r.postLocked(data)
}

// HandleMessage processes a message posted back to the main context.
func (r *Relay) HandleMessage(data any) {
	if s, ok := data.(string); ok && s == ReadySignal {
		r.markReady()
		return
	}
	if !IsIsolationMessage(data) {
		slog.Warn(fmt.Sprintf("%s - ignoring non-isolation message of type %T", relayLogPrefix, data))
		r.metrics.IsolationDrop(DropInvalidInbound)
		return
	}
	msg, err := toMessage(data.(map[string]any))
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping isolation message: %v", relayLogPrefix, err))
		r.metrics.IsolationDrop(DropInvalidInbound)
		return
	}
	if r.forward == nil {
		slog.Error(fmt.Sprintf("%s - no forwarder configured, dropping %s", relayLogPrefix, msg.Cmd))
		return
	}
	r.forward(msg)
}

// Ready reports whether the intermediate context has signalled readiness.
func (r *Relay) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Queued returns the number of messages waiting for readiness.
func (r *Relay) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Relay) markReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	queued := r.queue
	r.queue = nil
	slog.Info(fmt.Sprintf("%s - isolation context ready, flushing %d queued messages", relayLogPrefix, len(queued)))
	for _, data := range queued {
		r.postLocked(data)
	}
}

func (r *Relay) postLocked(data map[string]any) {
	target := r.targetLocked()
	if target == nil {
		r.metrics.IsolationDrop(DropTargetMissing)
		return
	}
	target.PostMessage(data)
}

func (r *Relay) targetLocked() Target {
	if r.target != nil {
		return r.target
	}
	if r.locator == nil {
		slog.Error(fmt.Sprintf("%s - no locator configured", relayLogPrefix))
		return nil
	}
	ep, err := r.locator.Locate()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to locate isolation context: %v", relayLogPrefix, err))
		return nil
	}
	r.target = ep.Target
	return r.target
}
