package devhost

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/channel"
	"github.com/morezero/webview-ipc/pkg/events"
	"github.com/morezero/webview-ipc/pkg/payload"
	"github.com/morezero/webview-ipc/pkg/transport"
)

// registerBuiltins installs the commands every dev host answers.
func (h *Host) registerBuiltins() {
	h.dispatcher.Handle("greet", h.greet)
	h.dispatcher.Handle("echo", h.echo)
	h.dispatcher.Handle("stream", h.stream)
	h.dispatcher.Handle("version", h.version)
	h.dispatcher.Handle(transport.FetchChannelDataCommand, h.fetch)
	h.dispatcher.Handle(events.CmdListen, h.listen)
	h.dispatcher.Handle(events.CmdUnlisten, h.unlisten)
	h.dispatcher.Handle(events.CmdEmit, h.emit)
	h.dispatcher.Handle(events.CmdEmitTo, h.emit)
}

func (h *Host) greet(_ context.Context, req *Request) (any, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, &CommandError{Code: "INVALID_ARGUMENT", Message: "name is required"}
	}
	return fmt.Sprintf("Hello, %s!", args.Name), nil
}

// echo returns the request body unchanged, binary included.
func (h *Host) echo(_ context.Context, req *Request) (any, error) {
	if req.ContentType == payload.ContentTypeJSON {
		return json.RawMessage(req.Body), nil
	}
	return req.Body, nil
}

func (h *Host) version(_ context.Context, _ *Request) (any, error) {
	return h.hostVersion, nil
}

type streamArgs struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
	// Size pads each message so that it is parked for fetching once it
	// exceeds the park threshold.
	Size    int  `json:"size"`
	Reverse bool `json:"reverse"`
}

// stream pushes count sequenced messages to a channel.
func (h *Host) stream(_ context.Context, req *Request) (any, error) {
	var args streamArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	tok, ok := channel.ParseReference(args.Channel)
	if !ok {
		return nil, &CommandError{Code: "INVALID_ARGUMENT", Message: fmt.Sprintf("invalid channel reference %q", args.Channel)}
	}

	order := make([]int, args.Count)
	for i := range order {
		order[i] = i
		if args.Reverse {
			order[i] = args.Count - 1 - i
		}
	}
	for _, i := range order {
		msg := map[string]any{"seq": i}
		if args.Size > 0 {
			msg["pad"] = string(make([]byte, args.Size))
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if err := h.pushChannel(req.InvokeKey, tok, uint64(i), data); err != nil {
			return nil, err
		}
	}
	return args.Count, nil
}

// fetch hands out a parked channel message once.
func (h *Host) fetch(_ context.Context, req *Request) (any, error) {
	id, err := strconv.ParseUint(req.Headers[transport.HeaderChannelID], 10, 32)
	if err != nil {
		return nil, &CommandError{Code: "INVALID_ARGUMENT", Message: "missing or invalid " + transport.HeaderChannelID}
	}
	h.mu.Lock()
	data, ok := h.parked[uint32(id)]
	delete(h.parked, uint32(id))
	h.mu.Unlock()
	if !ok {
		return nil, &CommandError{Code: "NOT_FOUND", Message: fmt.Sprintf("no parked data for %d", id)}
	}
	return json.RawMessage(data), nil
}

type listener struct {
	event     string
	handler   callback.Token
	invokeKey string
}

func (h *Host) listen(_ context.Context, req *Request) (any, error) {
	var args struct {
		Event   string         `json:"event"`
		Target  events.Target  `json:"target"`
		Handler callback.Token `json:"handler"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if args.Event == "" || args.Handler == 0 {
		return nil, &CommandError{Code: "INVALID_ARGUMENT", Message: "event and handler are required"}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextEventID++
	h.listeners[h.nextEventID] = listener{event: args.Event, handler: args.Handler, invokeKey: req.InvokeKey}
	return h.nextEventID, nil
}

func (h *Host) unlisten(_ context.Context, req *Request) (any, error) {
	var args struct {
		Event   string `json:"event"`
		EventID uint32 `json:"eventId"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	h.mu.Lock()
	delete(h.listeners, args.EventID)
	h.mu.Unlock()
	return nil, nil
}

// emit delivers an event to every listener of that name. The dev host
// serves a single webview, so every target matches.
func (h *Host) emit(_ context.Context, req *Request) (any, error) {
	var args struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}

	h.mu.Lock()
	matched := make(map[uint32]listener)
	for id, l := range h.listeners {
		if l.event == args.Event {
			matched[id] = l
		}
	}
	h.mu.Unlock()

	for id, l := range matched {
		ev := events.Event{Event: args.Event, ID: id, Payload: args.Payload}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		if err := h.push(l.invokeKey, transport.Frame{Callback: l.handler, Payload: data}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
