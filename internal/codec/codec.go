// Package codec encodes record values exchanged with the realtime store.
package codec

import (
	"bytes"
	"reflect"

	"github.com/ugorji/go/codec"
)

var (
	// JSON is the handle used for every stored value.
	JSON codec.JsonHandle

	pretty codec.JsonHandle
)

func init() {
	for _, h := range []*codec.JsonHandle{&JSON, &pretty} {
		h.MapType = reflect.TypeOf(map[string]any(nil))
		h.Canonical = true
		h.HTMLCharsAsIs = true
	}
	pretty.Indent = 2
}

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &JSON).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalIndent encodes v as indented JSON with a trailing newline.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &pretty).Encode(v); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, &JSON).Decode(v)
}

// Object decodes data as a JSON object. Empty input yields an empty map.
func Object(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Field returns the top-level field name of the JSON object data, or nil.
func Field(data []byte, name string) any {
	obj, err := Object(data)
	if err != nil {
		return nil
	}
	return obj[name]
}
