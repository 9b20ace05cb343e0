// Package channel provides ordered delivery of streamed native messages.
//
// The native side numbers every message it sends through a channel starting
// at zero. Transports may reorder them; a Channel buffers early arrivals and
// hands messages to its handler strictly in index order.
package channel

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/metrics"
)

const logPrefix = "channel:channel"

// ReferencePrefix starts the string form a channel takes inside a payload.
const ReferencePrefix = "__CHANNEL__:"

// Message is one sequenced value produced by the native side.
type Message struct {
	Message json.RawMessage `json:"message"`
	Index   uint64          `json:"id"`
}

// Channel delivers messages to its handler in the order they were produced.
type Channel struct {
	id       callback.Token
	registry *callback.Registry
	metrics  *metrics.Metrics

	// deliver serializes handler calls so they never overlap
	deliver sync.Mutex

	mu        sync.Mutex
	onmessage func(json.RawMessage)
	next      uint64
	pending   map[string]json.RawMessage
}

// New creates a Channel and registers it with reg. m may be nil.
func New(reg *callback.Registry, m *metrics.Metrics) *Channel {
	ch := &Channel{
		registry:  reg,
		metrics:   m,
		onmessage: func(json.RawMessage) {},
		pending:   make(map[string]json.RawMessage),
	}
	ch.id = reg.Register(ch.receive, false)
	return ch
}

// ID returns the registry token backing the channel.
func (c *Channel) ID() callback.Token {
	return c.id
}

// SetOnMessage replaces the handler. Messages already handed to the
// previous handler are not redelivered.
func (c *Channel) SetOnMessage(handler func(json.RawMessage)) {
	if handler == nil {
		handler = func(json.RawMessage) {}
	}
	c.mu.Lock()
	c.onmessage = handler
	c.mu.Unlock()
}

// OnMessage returns the current handler.
func (c *Channel) OnMessage() func(json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onmessage
}

// NextIndex returns the index the channel is waiting for.
func (c *Channel) NextIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Pending returns the number of buffered out-of-order messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) receive(value any) {
	msg, err := decodeMessage(value)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - channel %d dropped undecodable message: %v", logPrefix, c.id, err))
		return
	}
	c.Deliver(msg.Index, msg.Message)
}

// Deliver accepts the message with the given index. It is called by the
// registry for native messages and may be called directly.
//
// A message whose index equals the expected one is handed to the handler,
// followed by every buffered message that now continues the sequence. Later
// indices are buffered; indices already delivered are dropped.
func (c *Channel) Deliver(index uint64, message json.RawMessage) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	if index < c.next {
		c.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - channel %d dropped stale index %d (expecting %d)", logPrefix, c.id, index, c.next))
		c.metrics.ChannelDrop()
		return
	}
	if index > c.next {
		key := strconv.FormatUint(index, 10)
		if _, dup := c.pending[key]; dup {
			c.mu.Unlock()
			slog.Debug(fmt.Sprintf("%s - channel %d dropped duplicate index %d", logPrefix, c.id, index))
			c.metrics.ChannelDrop()
			return
		}
		c.pending[key] = message
		c.mu.Unlock()
		c.metrics.Buffered()
		return
	}

	ready := []json.RawMessage{message}
	c.next = index + 1
	for {
		key := strconv.FormatUint(c.next, 10)
		buffered, ok := c.pending[key]
		if !ok {
			break
		}
		delete(c.pending, key)
		ready = append(ready, buffered)
		c.next++
	}
	handler := c.onmessage
	c.mu.Unlock()

	for _, m := range ready {
		handler(m)
	}
}

// Close removes the channel from the registry. Messages arriving afterwards
// are reported as stale by the registry.
func (c *Channel) Close() {
	c.registry.Remove(c.id)
}

// Reference returns the string form of the channel used inside payloads.
func (c *Channel) Reference() string {
	return ReferencePrefix + strconv.FormatUint(uint64(c.id), 10)
}

// ToIPC implements payload.IPCSerializer.
func (c *Channel) ToIPC() any {
	return c.Reference()
}

// MarshalJSON encodes the channel as its reference string.
func (c *Channel) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Reference())
}

// ParseReference extracts the token from a channel reference string.
func ParseReference(ref string) (callback.Token, bool) {
	rest, ok := strings.CutPrefix(ref, ReferencePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return callback.Token(n), true
}

func decodeMessage(value any) (Message, error) {
	switch v := value.(type) {
	case Message:
		return v, nil
	case *Message:
		return *v, nil
	case json.RawMessage:
		return unmarshalMessage(v)
	case []byte:
		return unmarshalMessage(v)
	case string:
		return unmarshalMessage([]byte(v))
	default:
		return Message{}, fmt.Errorf("unexpected message type %T", value)
	}
}

func unmarshalMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
