package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/diora/switchboard/internal/clock"
)

func newTestMemory(t *testing.T) (*Memory, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.UnixMilli(1_700_000_000_000))
	return NewMemory(MemoryOpts{Clock: c}), c
}

type info struct {
	Status       string `json:"status"`
	StartTime    int64  `json:"startTime"`
	LastActivity int64  `json:"lastActivity"`
	SessionCount int    `json:"sessionCount"`
}

func TestMemory_SetGet(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if err := m.Set(ctx, "chats/a/info", map[string]any{"status": "active", "sessionCount": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap, err := m.Get(ctx, "chats/a/info")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got info
	if err := snap.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Status != "active" || got.SessionCount != 1 {
		t.Errorf("got %+v", got)
	}

	missing, err := m.Get(ctx, "chats/b/info")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing.Exists() {
		t.Error("missing path reported as existing")
	}
}

func TestMemory_SetNilDeletesAndPrunes(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	m.Set(ctx, "chats/a/info/status", "active")
	if err := m.Set(ctx, "chats/a/info/status", nil); err != nil {
		t.Fatalf("Set nil: %v", err)
	}
	snap, _ := m.Get(ctx, "chats")
	if snap.Exists() {
		t.Errorf("expected empty parents pruned, got %v", snap.Value)
	}
}

func TestMemory_ServerTimestampResolvesOncePerWrite(t *testing.T) {
	m, c := newTestMemory(t)
	ctx := context.Background()

	err := m.Set(ctx, "chats/a/info", map[string]any{
		"status":       "active",
		"startTime":    ServerTimestamp,
		"lastActivity": ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	snap, _ := m.Get(ctx, "chats/a/info")
	var got info
	snap.Decode(&got)
	want := c.Now().UnixMilli()
	if got.StartTime != want || got.LastActivity != want {
		t.Errorf("timestamps = %d/%d, want %d", got.StartTime, got.LastActivity, want)
	}
}

func TestMemory_UpdateIsMultiPath(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	m.Set(ctx, "chats/a/info", map[string]any{"status": "active", "sessionCount": 1, "startTime": 5})

	err := m.Update(ctx, map[string]any{
		"chats/a/info/status":       "closed",
		"chats/a/info/sessionCount": 2,
		"chats/b/info/status":       "active",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap, _ := m.Get(ctx, "chats/a/info")
	var got info
	snap.Decode(&got)
	if got.Status != "closed" || got.SessionCount != 2 || got.StartTime != 5 {
		t.Errorf("a/info = %+v, want untouched fields kept", got)
	}
	b, _ := m.Get(ctx, "chats/b/info/status")
	if b.Value != "active" {
		t.Errorf("b status = %v", b.Value)
	}
}

func TestMemory_UpdateRejectsBadPathAtomically(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	err := m.Update(ctx, map[string]any{
		"chats/a/info/status": "active",
		"chats/a.b/info":      "x",
	})
	if err == nil {
		t.Fatal("expected invalid path error")
	}
	snap, _ := m.Get(ctx, "chats")
	if snap.Exists() {
		t.Error("partial update applied")
	}
}

func TestMemory_PushKeysSortInInsertionOrder(t *testing.T) {
	m, c := newTestMemory(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 50; i++ {
		id, err := m.Push(ctx, "chats/a/messages", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		ids = append(ids, id)
		if i%10 == 0 {
			c.Advance(time.Millisecond)
		}
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("push ids not sorted: %v", ids)
	}
	snap, _ := m.Get(ctx, "chats/a/messages")
	if len(snap.Keys()) != 50 {
		t.Errorf("children = %d, want 50", len(snap.Keys()))
	}
}

func TestMemory_ConcurrentPushesCoexist(t *testing.T) {
	m := NewMemory(MemoryOpts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.Push(ctx, "chats/a/messages", map[string]any{"text": []string{"first", "second"}[i]})
			if err != nil {
				t.Errorf("Push: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if ids[0] == ids[1] {
		t.Fatalf("duplicate ids %q", ids[0])
	}
	snap, _ := m.Get(ctx, "chats/a/messages")
	texts := map[string]bool{}
	for _, k := range snap.Keys() {
		var msg struct{ Text string }
		snap.Child(k).Decode(&msg)
		texts[msg.Text] = true
	}
	if !texts["first"] || !texts["second"] {
		t.Errorf("messages = %v, want both present", texts)
	}
}

func TestMemory_SubscribeDeliversInitialAndChanges(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	m.Set(ctx, "chats/a/info/status", "active")

	var got []any
	cancel, err := m.Subscribe("chats/a/info/status", func(s Snapshot) {
		got = append(got, s.Value)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Set(ctx, "chats/a/info/status", "inactive")
	// Neither an unrelated path nor an unchanged value is delivered.
	m.Set(ctx, "chats/b/info/status", "active")
	m.Set(ctx, "chats/a/info/status", "inactive")
	// Deleting a parent delivers nil.
	m.Update(ctx, map[string]any{"chats/a": nil})
	cancel()
	m.Set(ctx, "chats/a/info/status", "closed")

	want := []any{"active", "inactive", nil}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMemory_SubscriberMayWriteBack(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	var mirrored []any
	m.Subscribe("mirror", func(s Snapshot) { mirrored = append(mirrored, s.Value) })
	m.Subscribe("source", func(s Snapshot) {
		if s.Exists() {
			if err := m.Set(ctx, "mirror", s.Value); err != nil {
				t.Errorf("write back: %v", err)
			}
		}
	})

	m.Set(ctx, "source", "x")

	if len(mirrored) != 2 || mirrored[1] != "x" {
		t.Errorf("mirror deliveries = %v, want [nil x]", mirrored)
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	m.Set(ctx, "a", map[string]any{"b": "c"})

	snap, _ := m.Get(ctx, "a")
	snap.Value.(map[string]any)["b"] = "mutated"

	again, _ := m.Get(ctx, "a/b")
	if again.Value != "c" {
		t.Errorf("store mutated through snapshot: %v", again.Value)
	}
}

func TestNormalize_NumbersAndEmptyObjects(t *testing.T) {
	v, err := Normalize(map[string]any{"n": 3, "empty": map[string]any{}, "nil": nil}, 0)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	m := v.(map[string]any)
	if _, ok := m["empty"]; ok {
		t.Error("empty object kept")
	}
	if _, ok := m["nil"]; ok {
		t.Error("null kept")
	}
	if n, ok := m["n"].(json.Number); !ok || n.String() != "3" {
		t.Errorf("n = %#v, want json.Number 3", m["n"])
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"/", 0, false},
		{"chats/a/info", 3, false},
		{"/chats/a/", 2, false},
		{"chats//a", 0, true},
		{"chats/a.b", 0, true},
		{"chats/$x", 0, true},
	}
	for _, tt := range tests {
		segs, err := SplitPath(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitPath(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if len(segs) != tt.want {
			t.Errorf("SplitPath(%q) = %v, want %d segments", tt.in, segs, tt.want)
		}
	}
}

func TestFlattenAssembleRoundTrip(t *testing.T) {
	v, _ := Normalize(map[string]any{
		"info":     map[string]any{"status": "active", "sessionCount": 1},
		"messages": map[string]any{"-a": map[string]any{"text": "hi"}},
	}, 0)
	leaves := Flatten("chats/x", v)
	if len(leaves) != 3 {
		t.Fatalf("leaves = %v", leaves)
	}
	got := Assemble([]string{"chats", "x"}, leaves)
	if canonical(got) != canonical(v) {
		t.Errorf("assemble = %s, want %s", canonical(got), canonical(v))
	}
}
