// Package isolation routes outbound invoke messages through a separately
// originated intermediate context before they reach the native host.
//
// main context -> intermediate context: the invoke message, payload hooks applied.
// intermediate context -> main context: the same message with its payload sealed
// as {contentType, nonce, payload}, or the ReadySignal sentinel.
package isolation

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/payload"
	"github.com/morezero/webview-ipc/pkg/transport"
)

// ReadySignal is posted by the intermediate context once it has bootstrapped.
const ReadySignal = "__IPC_ISOLATION_READY__"

var allowedSealedKeys = map[string]bool{"contentType": true, "nonce": true, "payload": true}

// Sealed is an encrypted payload produced by the intermediate context.
type Sealed struct {
	ContentType string        `json:"contentType"`
	Nonce       payload.Bytes `json:"nonce"`
	Payload     payload.Bytes `json:"payload"`
}

// IsIsolationMessage reports whether data carries a payload object whose
// keys are a non-empty subset of {contentType, nonce, payload}.
func IsIsolationMessage(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	inner, ok := m["payload"].(map[string]any)
	if !ok || len(inner) == 0 {
		return false
	}
	for k := range inner {
		if !allowedSealedKeys[k] {
			return false
		}
	}
	return true
}

// isIsolationPayload reports whether msg can be sent to the intermediate context.
func isIsolationPayload(msg *transport.Message) bool {
	if msg == nil || msg.Callback == 0 || msg.Error == 0 {
		return false
	}
	return !IsIsolationMessage(map[string]any{"payload": msg.Payload})
}

// frameData is the structured-clone form of msg handed to the intermediate context.
func frameData(msg *transport.Message) map[string]any {
	data := map[string]any{
		"cmd":           msg.Cmd,
		"callback":      msg.Callback,
		"error":         msg.Error,
		"payload":       serializeIPCPayload(msg.Payload),
		"invocationKey": msg.InvokeKey,
	}
	if msg.Options != nil {
		data["options"] = msg.Options
	}
	return data
}

// serializeIPCPayload replaces every value exposing payload.IPCSerializer
// with its ToIPC result, walking lists and plain documents. Structs are
// rewritten by payload.Transform.
func serializeIPCPayload(v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(payload.IPCSerializer); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		return s.ToIPC()
	}
	switch t := v.(type) {
	case []byte, payload.Bytes, json.RawMessage:
		return v
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = serializeIPCPayload(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = serializeIPCPayload(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = serializeIPCPayload(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[payload.MapKey(iter.Key())] = serializeIPCPayload(iter.Value().Interface())
		}
		return out
	case reflect.Struct:
		return payload.Transform(v)
	case reflect.Pointer:
		if !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
			return payload.Transform(v)
		}
	}
	return v
}

// toMessage rebuilds a transport message from an isolation message.
func toMessage(data map[string]any) (*transport.Message, error) {
	cmd, ok := data["cmd"].(string)
	if !ok || cmd == "" {
		return nil, errors.New("missing cmd")
	}
	cb, ok := asToken(data["callback"])
	if !ok {
		return nil, errors.New("missing callback token")
	}
	errTok, ok := asToken(data["error"])
	if !ok {
		return nil, errors.New("missing error token")
	}

	inner := data["payload"].(map[string]any)
	sealed := &Sealed{}
	if ct, ok := inner["contentType"].(string); ok {
		sealed.ContentType = ct
	}
	var err error
	if sealed.Nonce, err = asBytes(inner["nonce"]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if sealed.Payload, err = asBytes(inner["payload"]); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	msg := &transport.Message{
		Cmd:      cmd,
		Callback: cb,
		Error:    errTok,
		Payload:  sealed,
	}
	if key, ok := data["invocationKey"].(string); ok {
		msg.InvokeKey = key
	}
	switch o := data["options"].(type) {
	case *transport.Options:
		msg.Options = o
	case map[string]any:
		msg.Options = optionsFromMap(o)
	}
	return msg, nil
}

func optionsFromMap(m map[string]any) *transport.Options {
	opts := &transport.Options{}
	if h, ok := m["headers"].(map[string]any); ok {
		opts.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if s, ok := v.(string); ok {
				opts.Headers[k] = s
			}
		}
	}
	return opts
}

func asToken(v any) (callback.Token, bool) {
	var n float64
	switch t := v.(type) {
	case callback.Token:
		return t, t != 0
	case uint32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case uint64:
		n = float64(t)
	case float64:
		n = t
	default:
		return 0, false
	}
	if n <= 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, false
	}
	return callback.Token(n), true
}

func asBytes(v any) (payload.Bytes, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case payload.Bytes:
		return t, nil
	case []byte:
		return payload.Bytes(t), nil
	case []any:
		out := make(payload.Bytes, len(t))
		for i, e := range t {
			n, ok := e.(float64)
			if !ok {
				if iv, isInt := e.(int64); isInt {
					n = float64(iv)
				} else {
					return nil, fmt.Errorf("element %d is %T", i, e)
				}
			}
			if n < 0 || n > 255 {
				return nil, payload.ErrByteRange
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}
