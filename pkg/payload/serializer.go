// Package payload turns invoke arguments into the body the native host receives
// and decodes the bodies it sends back.
package payload

import (
	"encoding"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const logPrefix = "payload:serializer"

// Content types understood on both sides of the bridge.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// ErrByteRange is returned when a numeric array decoded as binary holds a value outside 0..255.
var ErrByteRange = errors.New("payload: numeric array value out of byte range")

// IPCSerializer is implemented by values that choose their own representation
// when they cross the bridge. Channels use it to become a reference string.
type IPCSerializer interface {
	ToIPC() any
}

// Bytes is a byte slice that encodes as a flat JSON array of numbers instead of base64.
type Bytes []byte

// MarshalJSON encodes b as [n, n, ...].
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, c := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(c), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON accepts a numeric array or a base64 string.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return ErrByteRange
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Body is a serialized invoke payload.
type Body struct {
	ContentType string
	// Raw is set for binary bodies.
	Raw []byte
	// Doc is the transformed document for JSON bodies.
	Doc any
}

// IsBinary reports whether the body travels as raw bytes.
func (b *Body) IsBinary() bool {
	return b.ContentType == ContentTypeBinary
}

// Bytes returns the wire bytes for a request body.
func (b *Body) Bytes() ([]byte, error) {
	if b.IsBinary() {
		return b.Raw, nil
	}
	data, err := json.Marshal(b.Doc)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode document: %w", logPrefix, err)
	}
	return data, nil
}

// Document returns the value to embed in a JSON envelope. Binary bodies
// become numeric arrays.
func (b *Body) Document() any {
	if b.IsBinary() {
		return Bytes(b.Raw)
	}
	return b.Doc
}

// Serialize decides the content type of v and prepares its data. Byte
// slices and numeric arrays pass through as binary; everything else is
// transformed into a JSON document.
func Serialize(v any) (*Body, error) {
	if raw, ok := binaryOf(v); ok {
		return &Body{ContentType: ContentTypeBinary, Raw: raw}, nil
	}
	return &Body{ContentType: ContentTypeJSON, Doc: Transform(v)}, nil
}

var (
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
	marshalerType  = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	serializerType = reflect.TypeOf((*IPCSerializer)(nil)).Elem()
	textType       = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// binaryOf reports whether v travels as raw bytes. Integer arrays holding a
// value outside 0..255 are not binary and fall through to the JSON path.
func binaryOf(v any) ([]byte, bool) {
	switch b := v.(type) {
	case nil:
		return nil, false
	case json.RawMessage:
		return nil, false
	case Bytes:
		return []byte(b), true
	case []byte:
		return b, true
	}

	rv := reflect.ValueOf(v)
	if rv.Type().Implements(serializerType) || rv.Type().Implements(marshalerType) {
		return nil, false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return nil, false
	}
	if !isInteger(rv.Type().Elem().Kind()) {
		return nil, false
	}

	out := make([]byte, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		n, ok := byteAt(rv.Index(i))
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func byteAt(v reflect.Value) (byte, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if n < 0 || n > 255 {
			return 0, false
		}
		return byte(n), true
	default:
		n := v.Uint()
		if n > 255 {
			return 0, false
		}
		return byte(n), true
	}
}

// Transform rewrites v into a JSON-ready document: IPCSerializer hooks are
// called, maps become string-keyed documents, byte slices become numeric
// arrays. Structs become documents keyed the way encoding/json names their
// fields, honouring json tags and embedded structs. json.Marshaler and
// encoding.TextMarshaler values are left to the encoder.
func Transform(v any) any {
	return transform(reflect.ValueOf(v))
}

func transform(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	t := rv.Type()

	if t.Implements(serializerType) {
		if isNilable(rv.Kind()) && rv.IsNil() {
			return nil
		}
		return transform(reflect.ValueOf(rv.Interface().(IPCSerializer).ToIPC()))
	}
	if t == rawMessageType {
		return rv.Interface()
	}
	if t.Implements(marshalerType) || t.Implements(textType) {
		return rv.Interface()
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return transform(rv.Elem())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return transform(rv.Elem())
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[MapKey(iter.Key())] = transform(iter.Value())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return Bytes(append([]byte(nil), rv.Bytes()...))
		}
		return transformList(rv)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			out := make(Bytes, rv.Len())
			for i := range out {
				out[i] = byte(rv.Index(i).Uint())
			}
			return out
		}
		return transformList(rv)
	case reflect.Struct:
		// pointer receivers win, as they do for the encoder
		if rv.CanAddr() {
			pt := reflect.PointerTo(t)
			if pt.Implements(serializerType) || pt.Implements(marshalerType) || pt.Implements(textType) {
				return transform(rv.Addr())
			}
		}
		out := make(map[string]any, t.NumField())
		transformFields(rv, 0, out, make(map[string]int))
		return out
	default:
		return rv.Interface()
	}
}

// transformFields copies the exported fields of rv into out. depth keeps the
// shallowest field for each name so outer fields shadow promoted ones.
// Fields promoted through unexported embedded structs are skipped.
func transformFields(rv reflect.Value, level int, out map[string]any, depth map[string]int) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				transformFields(fv, level+1, out, depth)
				continue
			}
		}

		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if d, seen := depth[name]; seen && d <= level {
			continue
		}
		depth[name] = level
		if hasOption(opts, "string") && isQuotable(fv.Kind()) {
			data, err := json.Marshal(fv.Interface())
			if err == nil {
				out[name] = string(data)
				continue
			}
		}
		out[name] = transform(fv)
	}
}

func hasOption(opts, name string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == name {
			return true
		}
	}
	return false
}

// isEmptyValue matches the omitempty rule of encoding/json.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

func isQuotable(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64:
		return true
	}
	return isInteger(k)
}

func transformList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = transform(rv.Index(i))
	}
	return out
}

// MapKey renders a map key the way documents crossing the bridge key them:
// strings as-is, encoding.TextMarshaler keys by their text, anything else
// formatted with fmt.
func MapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Type().Implements(textType) {
		if text, err := k.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			return string(text)
		}
	}
	if k.Kind() == reflect.Interface && !k.IsNil() {
		return MapKey(k.Elem())
	}
	return fmt.Sprint(k.Interface())
}

func isNilable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// Decode interprets a response body by its declared content type:
// JSON documents become json.RawMessage, text becomes string, anything else
// stays []byte.
func Decode(contentType string, body []byte) (any, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case ContentTypeJSON:
		if !json.Valid(body) {
			return nil, fmt.Errorf("%s - response declared %s but is not valid JSON", logPrefix, ContentTypeJSON)
		}
		return json.RawMessage(append([]byte(nil), body...)), nil
	case ContentTypeText:
		return string(body), nil
	default:
		return append([]byte(nil), body...), nil
	}
}
