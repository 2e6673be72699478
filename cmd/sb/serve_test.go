package main

import (
	"context"
	"io"
	"testing"
)

func TestWidgetFactory_ClientPointerSurvivesRebuild(t *testing.T) {
	cfg, err := loadConfig(sqliteConfig(t, "cache:\n  backend: sql\n"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()
	rs, err := a.newRelayStack(nil)
	if err != nil {
		t.Fatalf("newRelayStack: %v", err)
	}
	defer rs.bridge.Wait()
	newWidget := a.widgetFactory(rs)

	first, err := newWidget("client-a")
	if err != nil {
		t.Fatalf("widget: %v", err)
	}
	id, err := first.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.Close()

	v, ok, err := a.kv.Get(ctx, clientCachePrefix("client-a")+"current")
	if err != nil || !ok || string(v) != id {
		t.Errorf("sql cache pointer = %q, %v, %v; want %q", v, ok, err, id)
	}

	rebuilt, err := newWidget("client-a")
	if err != nil {
		t.Fatalf("widget: %v", err)
	}
	defer rebuilt.Close()
	if got, err := rebuilt.Open(ctx, "alice"); err != nil || got != id {
		t.Errorf("rebuilt Open = %q, %v; want %q", got, err, id)
	}

	other, err := newWidget("client-b")
	if err != nil {
		t.Fatalf("widget: %v", err)
	}
	defer other.Close()
	if got, _ := other.Open(ctx, "bob"); got == id {
		t.Error("another client resumed client-a's session")
	}
}
