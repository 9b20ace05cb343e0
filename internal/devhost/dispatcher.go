package devhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/payload"
)

const dispatcherLogPrefix = "devhost:dispatcher"

// Request is one decoded invoke as the host sees it.
type Request struct {
	Cmd         string
	ContentType string
	Body        []byte
	Headers     map[string]string
	InvokeKey   string
}

// Bind unmarshals a JSON body into v.
func (r *Request) Bind(v any) error {
	if r.ContentType != payload.ContentTypeJSON {
		return &CommandError{Code: "INVALID_ARGUMENT", Message: fmt.Sprintf("%s expects a JSON body, got %s", r.Cmd, r.ContentType)}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &CommandError{Code: "INVALID_ARGUMENT", Message: fmt.Sprintf("failed to parse %s args: %v", r.Cmd, err)}
	}
	return nil
}

// CommandError is a failure returned to the caller's error callback.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

// HandlerFunc runs one command.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Dispatcher routes invoke requests to command handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for cmd, replacing any previous handler.
func (d *Dispatcher) Handle(cmd string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

// Dispatch runs the handler for req.Cmd.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (any, error) {
	slog.Debug(fmt.Sprintf("%s - cmd=%s key=%s", dispatcherLogPrefix, req.Cmd, req.InvokeKey))

	d.mu.RLock()
	h, ok := d.handlers[req.Cmd]
	d.mu.RUnlock()
	if !ok {
		return nil, &CommandError{Code: "COMMAND_NOT_FOUND", Message: fmt.Sprintf("command %s not found", req.Cmd)}
	}
	return h(ctx, req)
}
