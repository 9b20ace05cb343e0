package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/bridge"
	"github.com/morezero/webview-ipc/pkg/callback"
)

const listenLogPrefix = "events:listen"

// UnlistenFunc removes a listener. It is safe to call more than once.
type UnlistenFunc func(ctx context.Context) error

// Listen registers handler for event and returns the function that removes it.
func Listen(ctx context.Context, s *bridge.Session, event string, handler func(Event), opts *Options) (UnlistenFunc, error) {
	target := AnyTarget()
	if opts != nil && opts.Target != nil {
		target = *opts.Target
	}

	reg := s.Registry()
	token := reg.Register(func(v any) {
		e, err := decodeEvent(v)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable %s event: %v", listenLogPrefix, event, err))
			return
		}
		handler(e)
	}, false)

	args := map[string]any{"event": event, "target": target, "handler": token}
	eventID, err := bridge.InvokeJSON[uint32](ctx, s, CmdListen, args, nil)
	if err != nil {
		reg.Remove(token)
		return nil, fmt.Errorf("%s - failed to listen to %s: %w", listenLogPrefix, event, err)
	}
	slog.Debug(fmt.Sprintf("%s - listening to %s as %d", listenLogPrefix, event, eventID))

	return unlistener(s, token, event, eventID), nil
}

// Once registers handler for the first occurrence of event only.
func Once(ctx context.Context, s *bridge.Session, event string, handler func(Event), opts *Options) (UnlistenFunc, error) {
	var (
		mu       sync.Mutex
		fired    bool
		unlisten UnlistenFunc
	)
	ready := make(chan struct{})
	wrapped := func(e Event) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		go func() {
			<-ready
			if unlisten == nil {
				return
			}
			if err := unlisten(context.Background()); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to unlisten once handler for %s: %v", listenLogPrefix, event, err))
			}
		}()
		handler(e)
	}

	fn, err := Listen(ctx, s, event, wrapped, opts)
	unlisten = fn
	close(ready)
	return fn, err
}

func unlistener(s *bridge.Session, token callback.Token, event string, eventID uint32) UnlistenFunc {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			s.Registry().Remove(token)
			args := map[string]any{"event": event, "eventId": eventID}
			if _, ierr := s.Invoke(ctx, CmdUnlisten, args, nil).Await(ctx); ierr != nil {
				err = fmt.Errorf("%s - failed to unlisten %s: %w", listenLogPrefix, event, ierr)
			}
		})
		return err
	}
}

func decodeEvent(v any) (Event, error) {
	var data []byte
	switch t := v.(type) {
	case Event:
		return t, nil
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		return Event{}, fmt.Errorf("unexpected event value %T", v)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
