package store

import (
	"fmt"
	"strings"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/errs"
)

// Merge applies Update semantics to the encoded record cur and returns the new
// encoding. A nil result means the record became empty.
func Merge(cur []byte, fields map[string]any) ([]byte, error) {
	obj, err := codec.Object(cur)
	if err != nil {
		return nil, fmt.Errorf("decode current: %w", err)
	}
	for k, v := range fields {
		parts := strings.Split(strings.Trim(k, "/"), "/")
		if err := setNested(obj, parts, v); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return codec.Marshal(obj)
}

func setNested(obj map[string]any, parts []string, v any) error {
	for _, p := range parts {
		if p == "" {
			return errs.ErrInvalidInput
		}
	}
	for _, p := range parts[:len(parts)-1] {
		next, ok := obj[p].(map[string]any)
		if !ok {
			if v == nil {
				return nil
			}
			next = map[string]any{}
			obj[p] = next
		}
		obj = next
	}
	last := parts[len(parts)-1]
	if v == nil {
		delete(obj, last)
		return nil
	}
	obj[last] = v
	return nil
}
