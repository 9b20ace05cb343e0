package commsutil

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrPayloadTooLarge is returned when an encoded message exceeds the
// server's max payload.
var ErrPayloadTooLarge = errors.New("commsutil: payload exceeds server max payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// checkSize rejects data larger than limit. A limit <= 0 disables the check.
func checkSize(data []byte, limit int64) error {
	if limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(data), limit)
	}
	return nil
}
