package bridge

import (
	"fmt"
	"log/slog"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/channel"
	"github.com/morezero/webview-ipc/pkg/payload"
	"github.com/morezero/webview-ipc/pkg/transport"
)

const frameLogPrefix = "bridge:frame"

// HandleFrameData decodes a host frame and delivers it.
func (s *Session) HandleFrameData(data []byte) error {
	var f transport.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%s - failed to decode frame: %w", frameLogPrefix, err)
	}
	s.HandleFrame(f)
	return nil
}

// HandleFrame delivers a value pushed by the host. A frame carrying a fetch
// id announces parked channel data, which is pulled with the fetch command
// and then delivered to the channel at the frame's index.
func (s *Session) HandleFrame(f transport.Frame) {
	if f.FetchID == nil {
		s.registry.Deliver(f.Callback, rawOrNull(f.Payload))
		return
	}
	go s.fetchChannelData(f.Callback, *f.FetchID, f.Index)
}

func (s *Session) fetchChannelData(token callback.Token, fetchID uint32, index uint64) {
	opts := &InvokeOptions{Headers: map[string]string{
		transport.HeaderChannelID: strconv.FormatUint(uint64(fetchID), 10),
	}}
	v, err := s.Invoke(s.ctx, transport.FetchChannelDataCommand, nil, opts).Await(s.ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to fetch channel data %d: %v", frameLogPrefix, fetchID, err))
		return
	}
	raw, err := asRaw(v)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to encode channel data %d: %v", frameLogPrefix, fetchID, err))
		return
	}
	s.registry.Deliver(token, channel.Message{Message: raw, Index: index})
}

func asRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return rawOrNull(t), nil
	case []byte:
		return json.Marshal(payload.Bytes(t))
	default:
		return json.Marshal(v)
	}
}
