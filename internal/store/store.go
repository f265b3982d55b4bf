// Package store defines the realtime keyed store the client consumes and the
// helpers shared by its backends.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/livechat/internal/errs"
)

// Record is one child of a path. Value holds the JSON encoded record.
type Record struct {
	Key   string
	Value []byte
}

// Snapshot is the full current state at a path: the record stored at the
// path itself (nil when absent) and its direct children.
type Snapshot struct {
	Path     string
	Value    []byte
	Children []Record
}

// Exists reports whether a record is stored at the path or in its direct
// children.
func (s Snapshot) Exists() bool { return s.Value != nil || len(s.Children) > 0 }

// Query narrows the children delivered by Subscribe.
type Query struct {
	// OrderBy names the top-level field used for ordering. Empty orders by key.
	OrderBy string
	// LimitToLast keeps only the N highest ordered children when positive.
	LimitToLast int
}

// Listener receives every snapshot of a subscription, or the error that broke it.
type Listener func(Snapshot, error)

// Subscription is a live subscription. Close is idempotent.
type Subscription interface {
	Close()
}

// Store is a tenant partition of the realtime keyed store.
type Store interface {
	// Get reads the record at path and its children. Missing paths yield ErrNotFound.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe emits the current snapshot of path and again after every change at,
	// above or below it.
	Subscribe(ctx context.Context, path string, q Query, fn Listener) (Subscription, error)
	// Set replaces the record at path.
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into the record at path. Keys containing "/" address
	// nested fields and nil values delete the field.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Remove deletes the record at path and everything below it.
	Remove(ctx context.Context, path string) error
	// Push stores value under a generated, time ordered child key of path.
	Push(ctx context.Context, path string, value any) (string, error)
	// Close releases the partition.
	Close() error
}

// Join builds a store path from segments.
func Join(segments ...string) string { return strings.Join(segments, "/") }

// Clean validates and normalizes a path.
func Clean(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", fmt.Errorf("empty path: %w", errs.ErrInvalidInput)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "#$[]") {
			return "", fmt.Errorf("bad path %q: %w", path, errs.ErrInvalidInput)
		}
	}
	return p, nil
}

// Parent returns the parent of a clean path, "" for top-level paths.
func Parent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// Base returns the last segment of a clean path.
func Base(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Related reports whether a change at changed affects a subscription at watched:
// the same path, an ancestor or a descendant.
func Related(watched, changed string) bool {
	return watched == changed ||
		strings.HasPrefix(changed, watched+"/") ||
		strings.HasPrefix(watched, changed+"/")
}
