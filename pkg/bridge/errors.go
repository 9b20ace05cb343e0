package bridge

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

var (
	// ErrCancelled is returned by a call cancelled before it settled.
	ErrCancelled = errors.New("bridge: call cancelled")
	// ErrClosed is returned by calls made on, or pending in, a closed session.
	ErrClosed = errors.New("bridge: session closed")
)

// InvokeError is the failure value the native host returned for a call.
type InvokeError struct {
	Cmd   string
	Value any
}

func (e *InvokeError) Error() string {
	switch v := e.Value.(type) {
	case string:
		return fmt.Sprintf("%s failed: %s", e.Cmd, v)
	case json.RawMessage:
		var s string
		if json.Unmarshal(v, &s) == nil {
			return fmt.Sprintf("%s failed: %s", e.Cmd, s)
		}
		return fmt.Sprintf("%s failed: %s", e.Cmd, string(v))
	default:
		return fmt.Sprintf("%s failed: %v", e.Cmd, v)
	}
}

// Decode unmarshals the failure value into out.
func (e *InvokeError) Decode(out any) error {
	return decodeValue(e.Value, out)
}

func decodeValue(v any, out any) error {
	var data []byte
	switch t := v.(type) {
	case json.RawMessage:
		data = t
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, out)
}
