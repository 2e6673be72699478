package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/diora/switchboard/internal/clock"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	clock clock.Clock
	ids   *PushIDs
	hub   *Hub

	mu   sync.Mutex
	root any
}

// MemoryOpts holds parameters for creating a Memory store.
type MemoryOpts struct {
	Clock clock.Clock // defaults to the wall clock
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts MemoryOpts) *Memory {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		clock: c,
		ids:   NewPushIDs(c),
		hub:   NewHub(),
	}
}

// Get reads the value at path.
func (m *Memory) Get(ctx context.Context, path string) (Snapshot, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Path: JoinPath(segs...), Value: deepCopy(getAt(m.root, segs))}, nil
}

// Set replaces the value at path.
func (m *Memory) Set(ctx context.Context, path string, value any) error {
	return m.Update(ctx, map[string]any{path: value})
}

// Update applies all writes atomically: either every path is written or,
// if any value is invalid, none is.
func (m *Memory) Update(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type write struct {
		segs  []string
		value any
	}
	writes := make([]write, 0, len(values))
	for path, v := range values {
		segs, err := SplitPath(path)
		if err != nil {
			return err
		}
		writes = append(writes, write{segs: segs, value: v})
	}

	m.mu.Lock()
	now := m.clock.Now().UnixMilli()
	changed := make([][]string, 0, len(writes))
	normalized := make([]any, len(writes))
	for i, w := range writes {
		v, err := Normalize(w.value, now)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("realtime: update %s: %w", JoinPath(w.segs...), err)
		}
		normalized[i] = v
	}
	for i, w := range writes {
		m.root = setAt(m.root, w.segs, normalized[i])
		changed = append(changed, w.segs)
	}
	for _, s := range m.hub.Affected(changed) {
		m.hub.Enqueue(s, deepCopy(getAt(m.root, s.Segments())))
	}
	m.mu.Unlock()

	m.hub.Drain()
	return nil
}

// Push appends value under path with a generated key.
func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := SplitPath(path); err != nil {
		return "", err
	}
	id := m.ids.Next()
	if err := m.Set(ctx, JoinPath(path, id), value); err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe registers fn for changes under path and delivers the current
// value immediately.
func (m *Memory) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	m.mu.Lock()
	sub, err := m.hub.Add(path, fn)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.hub.Enqueue(sub, deepCopy(getAt(m.root, sub.Segments())))
	m.mu.Unlock()

	m.hub.Drain()
	return sub.Cancel, nil
}
