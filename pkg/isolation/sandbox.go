package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/payload"
)

const sandboxLogPrefix = "isolation:sandbox"

// HookGlobal is the global function a hook script must define. It receives
// the payload and returns the payload to seal.
const HookGlobal = "isolationHook"

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = time.Second

// NewSandboxParams configures a Sandbox.
type NewSandboxParams struct {
	// Origin identifies the sandbox to PrefixLocator.
	Origin string
	Keys   *Keys
	// Parent receives sealed messages and the ReadySignal.
	Parent Listener
	// HookScript is optional JavaScript defining HookGlobal.
	HookScript  string
	HookTimeout time.Duration
}

// Sandbox is an in-process intermediate context: it runs the payload hook
// and seals each payload before posting it back to the main context.
type Sandbox struct {
	origin  string
	keys    *Keys
	parent  Listener
	timeout time.Duration

	vm   *goja.Runtime
	hook goja.Callable

	mu    sync.Mutex
	inbox []any
	wake  chan struct{}
}

// NewSandbox compiles the hook script and returns a Sandbox that is not yet running.
func NewSandbox(params NewSandboxParams) (*Sandbox, error) {
	if params.Keys == nil {
		return nil, errors.New(sandboxLogPrefix + " - keys are required")
	}
	if params.Parent == nil {
		return nil, errors.New(sandboxLogPrefix + " - parent listener is required")
	}
	timeout := params.HookTimeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	s := &Sandbox{
		origin:  params.Origin,
		keys:    params.Keys,
		parent:  params.Parent,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
	}

	if params.HookScript != "" {
		vm := goja.New()
		vm.Set("require", goja.Undefined())
		vm.Set("process", goja.Undefined())
		if _, err := vm.RunString(params.HookScript); err != nil {
			return nil, fmt.Errorf("%s - failed to evaluate hook script: %w", sandboxLogPrefix, err)
		}
		hook, ok := goja.AssertFunction(vm.Get(HookGlobal))
		if !ok {
			return nil, fmt.Errorf("%s - hook script must define function %s", sandboxLogPrefix, HookGlobal)
		}
		s.vm = vm
		s.hook = hook
	}
	return s, nil
}

// Origin returns the sandbox origin.
func (s *Sandbox) Origin() string {
	return s.origin
}

// Endpoint returns the sandbox as a locatable endpoint.
func (s *Sandbox) Endpoint() *Endpoint {
	return &Endpoint{Origin: s.origin, Target: s}
}

// PostMessage enqueues data for the sandbox. It never blocks.
func (s *Sandbox) PostMessage(data any) {
	s.mu.Lock()
	s.inbox = append(s.inbox, data)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run signals readiness to the parent and processes messages until ctx is done.
func (s *Sandbox) Run(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - isolation sandbox %s started", sandboxLogPrefix, s.origin))
	s.parent.HandleMessage(ReadySignal)
	for {
		for _, data := range s.drain() {
			s.process(data)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *Sandbox) drain() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

func (s *Sandbox) process(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - ignoring message of type %T", sandboxLogPrefix, data))
		return
	}

	p := m["payload"]
	if !isBinary(p) {
		var err error
		if p, err = s.runHook(p); err != nil {
			slog.Error(fmt.Sprintf("%s - isolation hook failed for %v: %v", sandboxLogPrefix, m["cmd"], err))
			return
		}
	}

	body, err := payload.Serialize(p)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to serialize payload: %v", sandboxLogPrefix, err))
		return
	}
	plain, err := body.Bytes()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode payload: %v", sandboxLogPrefix, err))
		return
	}
	sealed, err := s.keys.Seal(body.ContentType, plain)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to seal payload: %v", sandboxLogPrefix, err))
		return
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out["payload"] = map[string]any{
		"contentType": sealed.ContentType,
		"nonce":       sealed.Nonce,
		"payload":     sealed.Payload,
	}
	s.parent.HandleMessage(out)
}

func (s *Sandbox) runHook(p any) (any, error) {
	if s.hook == nil {
		return p, nil
	}
	// the hook sees a script document, not the raw bytes
	if raw, ok := p.(json.RawMessage); ok {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s - failed to decode document for hook: %w", sandboxLogPrefix, err)
		}
		p = doc
	}
	timer := time.AfterFunc(s.timeout, func() {
		s.vm.Interrupt("isolation hook timeout exceeded")
	})
	defer func() {
		timer.Stop()
		s.vm.ClearInterrupt()
	}()

	res, err := s.hook(goja.Undefined(), s.vm.ToValue(p))
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(res) {
		return p, nil
	}
	return res.Export(), nil
}

func isBinary(v any) bool {
	switch v.(type) {
	case []byte, payload.Bytes:
		return true
	}
	return false
}
