package livesync

import (
	"context"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// Item is one decoded child of a collection.
type Item[T any] struct {
	Key   string
	Value T
}

// View is the projection of a collection delivered on every change.
type View[T any] struct {
	Items []Item[T]
	State State
	Err   error
}

// Values returns the decoded items in order.
func (v View[T]) Values() []T {
	out := make([]T, len(v.Items))
	for i, it := range v.Items {
		out[i] = it.Value
	}
	return out
}

// Doc is the projection of a single record.
type Doc[T any] struct {
	Value  T
	Exists bool
	State  State
	Err    error
}

// Decoder turns a child record into T.
type Decoder[T any] func(key string, raw []byte) (T, error)

// JSON decodes records with the store codec and ignores the key.
func JSON[T any](_ string, raw []byte) (T, error) {
	var v T
	err := codec.Unmarshal(raw, &v)
	return v, err
}

// Subscribe keeps fn informed of the children of path, sorted by opt.OrderBy
// (then key) after windowing. Records that fail to decode are skipped.
func Subscribe[T any](ctx context.Context, src store.Store, path string, opt Options, dec Decoder[T], fn func(View[T])) *Handle {
	log := loggerFor(opt, path)
	return newHandle(ctx, src, path, opt, func(snap store.Snapshot, st State, err error) {
		v := View[T]{State: st, Err: err}
		if err == nil {
			recs := append([]store.Record(nil), snap.Children...)
			store.Order(recs, opt.OrderBy, opt.Desc)
			v.Items = make([]Item[T], 0, len(recs))
			for _, r := range recs {
				val, derr := dec(r.Key, r.Value)
				if derr != nil {
					log.Warn("skipping undecodable record", zap.String("key", r.Key), zap.Error(derr))
					continue
				}
				v.Items = append(v.Items, Item[T]{Key: r.Key, Value: val})
			}
		}
		fn(v)
	})
}

// Watch keeps fn informed of the record stored at path.
func Watch[T any](ctx context.Context, src store.Store, path string, opt Options, dec Decoder[T], fn func(Doc[T])) *Handle {
	log := loggerFor(opt, path)
	return newHandle(ctx, src, path, opt, func(snap store.Snapshot, st State, err error) {
		d := Doc[T]{State: st, Err: err}
		if err == nil && snap.Value != nil {
			val, derr := dec(store.Base(path), snap.Value)
			if derr != nil {
				log.Warn("undecodable record", zap.Error(derr))
			} else {
				d.Value, d.Exists = val, true
			}
		}
		fn(d)
	})
}

func loggerFor(opt Options, path string) *zap.Logger {
	if opt.Logger == nil {
		return zap.NewNop()
	}
	return opt.Logger.With(zap.String("path", path))
}
