// Package realtime provides the path-addressed document store that holds chat
// sessions. Paths are slash separated ("chats/{id}/info"); values are JSON
// compatible trees.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned by helpers that require a value at a path.
var ErrNotFound = errors.New("realtime: not found")

// ServerTimestamp is a write sentinel replaced by the store's current time in
// epoch milliseconds. Every occurrence inside one write resolves to the same
// instant.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// Store is a realtime document store.
type Store interface {
	// Get reads the value at path. A missing value yields a Snapshot whose
	// Exists reports false, not an error.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the value at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error

	// Update applies several path writes atomically. Keys are paths from
	// the root.
	Update(ctx context.Context, values map[string]any) error

	// Push appends value under path with a store-generated key and returns
	// the key. Keys sort in insertion order.
	Push(ctx context.Context, path string, value any) (string, error)

	// Subscribe calls fn with the current value at path and again every
	// time that subtree changes. Deliveries are serialized and happen in
	// write order. The returned func cancels the subscription.
	Subscribe(path string, fn func(Snapshot)) (func(), error)
}

// Snapshot is an immutable view of the value at a path.
type Snapshot struct {
	Path  string
	Value any
}

// Exists reports whether a value was present.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Decode unmarshals the snapshot value into dst.
func (s Snapshot) Decode(dst any) error {
	if s.Value == nil {
		return fmt.Errorf("realtime: decode %s: %w", s.Path, ErrNotFound)
	}
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("realtime: decode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("realtime: decode %s: %w", s.Path, err)
	}
	return nil
}

// Keys returns the sorted child keys of an object value.
func (s Snapshot) Keys() []string {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Child returns the snapshot of a direct child.
func (s Snapshot) Child(key string) Snapshot {
	child := Snapshot{Path: JoinPath(s.Path, key)}
	if m, ok := s.Value.(map[string]any); ok {
		child.Value = m[key]
	}
	return child
}
