// Package transport carries invoke messages to the native host over the
// custom-protocol transport or the raw message-post fallback.
package transport

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/callback"
)

// Header names used by the custom-protocol transport.
const (
	HeaderCallback  = "Ipc-Callback"
	HeaderError     = "Ipc-Error"
	HeaderInvokeKey = "Ipc-Invoke-Key"
	HeaderResponse  = "Ipc-Response"
	HeaderChannelID = "Ipc-Channel-Id"
)

// Values of HeaderResponse.
const (
	ResponseOk    = "ok"
	ResponseError = "error"
)

// FetchChannelDataCommand pulls a large channel message the host parked
// instead of pushing. It may use the custom protocol on every platform.
const FetchChannelDataCommand = "plugin:__CHANNEL__|fetch"

// Error codes.
const (
	CodeTransportFailed = "TRANSPORT_FAILED"
	CodeEncodeFailed    = "ENCODE_FAILED"
	CodeNoTransport     = "NO_TRANSPORT"
)

// Error is a local failure to hand a message to the host.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is one invoke request on its way to the host.
type Message struct {
	Cmd       string         `json:"cmd"`
	Callback  callback.Token `json:"callback"`
	Error     callback.Token `json:"error"`
	Payload   any            `json:"payload"`
	Options   *Options       `json:"options,omitempty"`
	InvokeKey string         `json:"invocationKey"`
}

// Options are per-call request options.
type Options struct {
	Headers map[string]string `json:"headers,omitempty"`
	// CustomProtocolBlocked tells the host the custom protocol failed in this session.
	CustomProtocolBlocked bool `json:"customProtocolIpcBlocked,omitempty"`
}

func (m *Message) headers() map[string]string {
	if m.Options == nil {
		return nil
	}
	return m.Options.Headers
}

// Frame is what the host sends back over the post transport: a value for
// a callback token, or a notice that channel data is parked under FetchID.
type Frame struct {
	Callback callback.Token  `json:"callback"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FetchID  *uint32         `json:"fetchId,omitempty"`
	Index    uint64          `json:"index,omitempty"`
}

// Poster hands an encoded message to the host's raw message-post entry point.
type Poster interface {
	PostMessage(ctx context.Context, data []byte) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, data []byte) error

// PostMessage calls f.
func (f PosterFunc) PostMessage(ctx context.Context, data []byte) error {
	return f(ctx, data)
}
