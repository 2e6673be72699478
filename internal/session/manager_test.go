package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/diora/switchboard/internal/cache"
	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/realtime"
)

const startMillis = 1_700_000_000_000

type fixture struct {
	repo  *chat.Repository
	store *realtime.Memory
	cache *cache.Cache
	clock *clock.Manual
	logs  *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(startMillis))
	store := realtime.NewMemory(realtime.MemoryOpts{Clock: clk})
	c, err := cache.New(cache.Opts{KV: cache.NewMemoryKV(), Clock: clk})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	var logs bytes.Buffer
	repo, err := chat.New(chat.Opts{Store: store, Cache: c, Logger: log.New(&logs, "", 0)})
	if err != nil {
		t.Fatalf("chat.New: %v", err)
	}
	return &fixture{repo: repo, store: store, cache: c, clock: clk, logs: &logs}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Opts{
		Repo:   f.repo,
		Clock:  f.clock,
		Logger: log.New(f.logs, "", 0),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Cleanup)
	return m
}

func (f *fixture) chat(t *testing.T, id string) models.Chat {
	t.Helper()
	c, src, err := f.repo.Chat(context.Background(), id)
	if err != nil {
		t.Fatalf("Chat(%s): %v", id, err)
	}
	if src != chat.SourceStore {
		t.Fatalf("Chat(%s) answered from %q", id, src)
	}
	return c
}

// checkEndTime asserts endTime is present exactly when the session is closed.
func checkEndTime(t *testing.T, info models.SessionInfo) {
	t.Helper()
	if (info.Status == models.StatusClosed) != (info.EndTime != 0) {
		t.Errorf("status %s with endTime %d", info.Status, info.EndTime)
	}
}

func systemMessages(c models.Chat) []models.Message {
	var out []models.Message
	for _, m := range c.Messages {
		if m.Sender == models.SenderSystem {
			out = append(out, m)
		}
	}
	return out
}

func TestNewManager_RequiresRepo(t *testing.T) {
	if _, err := NewManager(Opts{}); err == nil {
		t.Fatal("expected error without repo")
	}
}

func TestInitialize_NewSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	ctx := context.Background()

	id, err := m.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.SessionID() != id || m.Status() != models.StatusActive {
		t.Errorf("manager = %s/%s, want %s/active", m.SessionID(), m.Status(), id)
	}

	c := f.chat(t, id)
	if c.Info.Status != models.StatusActive || c.Info.SessionCount != 1 {
		t.Errorf("info = %+v", c.Info)
	}
	if c.Info.StartTime != startMillis || c.Info.LastActivity != startMillis {
		t.Errorf("startTime = %d lastActivity = %d, want %d", c.Info.StartTime, c.Info.LastActivity, int64(startMillis))
	}
	if len(c.Messages) != 0 {
		t.Errorf("new session has %d messages", len(c.Messages))
	}
	checkEndTime(t, c.Info)

	ptr, _ := f.cache.CurrentSessionID(ctx)
	if ptr != id {
		t.Errorf("cached pointer = %q, want %q", ptr, id)
	}
}

func TestInitialize_ResumesLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.manager(t)
	id, _ := first.Initialize(ctx, "user-1")
	first.Cleanup()

	second := f.manager(t)
	got, err := second.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got != id {
		t.Errorf("resumed %q, want %q", got, id)
	}
	c := f.chat(t, id)
	if c.Info.Status != models.StatusActive || c.Info.SessionCount != 1 || len(c.StatusHistory) != 0 {
		t.Errorf("resume changed the session: %+v", c)
	}
}

func TestInitialize_ReopensClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.manager(t)
	id, _ := first.Initialize(ctx, "user-1")
	if err := first.Close(ctx, models.CloseBeforeUnload); err != nil {
		t.Fatalf("Close: %v", err)
	}
	first.Cleanup()
	f.clock.Advance(10 * time.Second)

	second := f.manager(t)
	var seen []Transition
	second.OnTransition(func(tr Transition) { seen = append(seen, tr) })
	got, err := second.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got != id {
		t.Fatalf("Initialize returned %q, want reopen of %q", got, id)
	}
	if second.Status() != models.StatusReopened {
		t.Errorf("status = %s, want reopened", second.Status())
	}

	c := f.chat(t, id)
	if c.Info.Status != models.StatusReopened || c.Info.SessionCount != 2 {
		t.Errorf("info = %+v", c.Info)
	}
	if c.Info.CloseReason != "" || c.Info.ClosedBy != "" {
		t.Errorf("reopen kept close fields: %+v", c.Info)
	}
	checkEndTime(t, c.Info)

	reopens := 0
	for _, h := range c.StatusHistory {
		if h.From == models.StatusClosed && h.To == models.StatusReopened {
			reopens++
			if h.Reason != models.ReasonSessionReopened || h.TriggeredBy != models.ActorCustomer {
				t.Errorf("reopen history = %+v", h)
			}
		}
	}
	if reopens != 1 {
		t.Errorf("closed->reopened entries = %d, want 1", reopens)
	}

	notices := 0
	for _, msg := range systemMessages(c) {
		if msg.Text == statusNotices[models.StatusReopened] {
			notices++
			if msg.Type != models.MessageTypeSystemNotification {
				t.Errorf("notice type = %q", msg.Type)
			}
		}
	}
	if notices != 1 {
		t.Errorf("reopen notices = %d, want 1", notices)
	}
	if len(seen) != 1 || seen[0].From != models.StatusClosed || seen[0].To != models.StatusReopened {
		t.Errorf("transitions = %+v", seen)
	}
}

func TestInitialize_UnresolvedPointerStartsNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.SetCurrentSessionID(ctx, "gone")

	m := f.manager(t)
	id, err := m.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if id == "gone" {
		t.Fatal("attached to a session nobody knows")
	}
	if !strings.Contains(f.logs.String(), "unresolved") {
		t.Errorf("logs = %q", f.logs.String())
	}
}

func TestInitialize_SessionDeletedFromStoreStartsNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	if err := m.Close(ctx, models.CloseBeforeUnload); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m.Cleanup()

	// The cache still holds the pointer and a copy of the closed session.
	if err := f.store.Set(ctx, chat.ChatPath(id), nil); err != nil {
		t.Fatal(err)
	}

	next := f.manager(t)
	got, err := next.Initialize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got == id {
		t.Fatal("reopened a session the store no longer has")
	}
	if next.Status() != models.StatusActive {
		t.Errorf("status = %s, want active", next.Status())
	}
	snap, err := f.store.Get(ctx, chat.InfoPath(id))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Exists() {
		t.Errorf("deleted session was written back: %v", snap.Value)
	}
	if ptr, _ := f.cache.CurrentSessionID(ctx); ptr != got {
		t.Errorf("pointer = %q, want %q", ptr, got)
	}
}

func TestUpdateStatus_RejectsIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	if err := m.UpdateStatus(ctx, models.StatusActive, ""); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("active -> active err = %v", err)
	}
	if err := m.UpdateStatus(ctx, models.StatusReopened, ""); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("active -> reopened err = %v", err)
	}
	if err := m.Close(ctx, models.CloseTimeout); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, to := range []models.Status{models.StatusActive, models.StatusInactive} {
		if err := m.UpdateStatus(ctx, to, ""); !errors.Is(err, models.ErrIllegalTransition) {
			t.Errorf("closed -> %s err = %v", to, err)
		}
	}

	c := f.chat(t, id)
	if c.Info.Status != models.StatusClosed {
		t.Errorf("status = %s after rejected transitions", c.Info.Status)
	}
	if len(c.StatusHistory) != 1 {
		t.Errorf("history = %+v, want only the close", c.StatusHistory)
	}
}

func TestUpdateStatus_NoSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	if err := m.UpdateStatus(context.Background(), models.StatusClosed, ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestClose_RecordsFieldsHistoryAndNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	f.clock.Advance(30 * time.Second)

	if err := m.Close(ctx, models.CloseManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c := f.chat(t, id)
	info := c.Info
	if info.Status != models.StatusClosed || info.CloseReason != models.CloseManual || info.ClosedBy != models.ActorCustomer {
		t.Errorf("info = %+v", info)
	}
	if info.EndTime != startMillis+30_000 {
		t.Errorf("endTime = %d", info.EndTime)
	}
	if len(c.StatusHistory) != 1 {
		t.Fatalf("history = %+v", c.StatusHistory)
	}
	h := c.StatusHistory[0]
	if h.From != models.StatusActive || h.To != models.StatusClosed || h.Reason != "manual" || h.TriggeredBy != models.ActorCustomer {
		t.Errorf("history entry = %+v", h)
	}
	sys := systemMessages(c)
	if len(sys) != 1 || sys[0].Text != closeNotices[models.CloseManual] {
		t.Errorf("system messages = %+v", sys)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers still pending after close", f.clock.Pending())
	}
}

func TestClose_ReCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	m.Close(ctx, models.CloseTimeout)

	if err := m.Close(ctx, models.CloseTimeout); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	c := f.chat(t, id)
	if len(c.StatusHistory) != 1 || len(systemMessages(c)) != 1 {
		t.Errorf("re-close added history or messages: %+v", c)
	}
}

func TestClose_RejectsUnknownReason(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	m.Initialize(context.Background(), "user-1")
	if err := m.Close(context.Background(), models.CloseReason("bored")); err == nil {
		t.Error("expected error for unknown reason")
	}
}

func TestClose_ManualForgetsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	m.Close(ctx, models.CloseManual)
	m.Cleanup()

	next := f.manager(t)
	got, _ := next.Initialize(ctx, "user-1")
	if got == id {
		t.Fatal("manual close should start a new session next time")
	}
	if next.Status() != models.StatusActive {
		t.Errorf("status = %s", next.Status())
	}
	if old := f.chat(t, id); old.Info.Status != models.StatusClosed {
		t.Errorf("old session status = %s", old.Info.Status)
	}
}

func TestInactivityTimer_ResetPostponesTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	f.clock.Advance(29 * time.Minute)
	m.ResetInactivityTimer()
	f.clock.Advance(2 * time.Minute)
	if m.Status() != models.StatusActive {
		t.Fatalf("status at 31m = %s, want active", m.Status())
	}
	if got := f.chat(t, id).Info.Status; got != models.StatusActive {
		t.Fatalf("stored status at 31m = %s", got)
	}

	f.clock.Advance(28 * time.Minute)
	if m.Status() != models.StatusInactive {
		t.Fatalf("status at 59m = %s, want inactive", m.Status())
	}
	c := f.chat(t, id)
	if c.Info.Status != models.StatusInactive {
		t.Errorf("stored status = %s", c.Info.Status)
	}
	checkEndTime(t, c.Info)
	if len(c.StatusHistory) != 1 {
		t.Fatalf("history = %+v", c.StatusHistory)
	}
	h := c.StatusHistory[0]
	if h.Reason != models.ReasonInactivityTimeout || h.TriggeredBy != models.ActorSystem {
		t.Errorf("history entry = %+v", h)
	}
}

func TestInactive_MessageKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	f.clock.Advance(31 * time.Minute)

	m.ResetInactivityTimer()
	f.clock.Advance(45 * time.Minute)
	if m.Status() != models.StatusInactive {
		t.Errorf("status = %s, want inactive", m.Status())
	}
	if n := len(f.chat(t, id).StatusHistory); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
}

func TestHeartbeat_WritesLastActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	f.clock.Advance(time.Minute)
	if got := f.chat(t, id).Info.LastActivity; got != startMillis+60_000 {
		t.Errorf("lastActivity after 1m = %d", got)
	}
	f.clock.Advance(3 * time.Minute)
	if got := f.chat(t, id).Info.LastActivity; got != startMillis+240_000 {
		t.Errorf("lastActivity after 4m = %d", got)
	}
}

func TestExternalClose_StopsTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	tr, err := CloseByAdmin(ctx, f.repo, nil, id)
	if err != nil {
		t.Fatalf("CloseByAdmin: %v", err)
	}
	if tr.TriggeredBy != models.ActorAdmin || tr.Info.CloseReason != models.CloseAdmin {
		t.Errorf("transition = %+v", tr)
	}
	if m.Status() != models.StatusClosed {
		t.Errorf("manager status = %s, want closed", m.Status())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers pending after admin close", f.clock.Pending())
	}

	before := f.chat(t, id).Info.LastActivity
	f.clock.Advance(time.Hour)
	if got := f.chat(t, id).Info.LastActivity; got != before {
		t.Errorf("heartbeat kept writing after close: %d -> %d", before, got)
	}
}

func TestUnload_ClosesAndKeepsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	done := m.Unload()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unload never finished")
	}
	info := f.chat(t, id).Info
	if info.Status != models.StatusClosed || info.CloseReason != models.CloseBeforeUnload {
		t.Errorf("info = %+v", info)
	}
	if ptr, _ := f.cache.CurrentSessionID(ctx); ptr != id {
		t.Errorf("pointer = %q, want kept", ptr)
	}

	m.Cleanup()
	next := f.manager(t)
	got, _ := next.Initialize(ctx, "user-1")
	if got != id || next.Status() != models.StatusReopened {
		t.Errorf("next open = %s/%s, want reopen of %s", got, next.Status(), id)
	}
}

func TestUnload_WithoutSession(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	select {
	case <-m.Unload():
	default:
		t.Error("unload without a session should finish immediately")
	}
}

func TestSessionCount_OnlyReopenIncrements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")

	for i := 2; i <= 4; i++ {
		m.Close(ctx, models.CloseTimeout)
		if err := m.Reopen(ctx, id); err != nil {
			t.Fatalf("Reopen #%d: %v", i, err)
		}
		if got := f.chat(t, id).Info.SessionCount; got != i {
			t.Errorf("sessionCount = %d, want %d", got, i)
		}
	}
	m.UpdateStatus(ctx, models.StatusInactive, "")
	if got := f.chat(t, id).Info.SessionCount; got != 4 {
		t.Errorf("sessionCount after inactive = %d, want 4", got)
	}
}

func TestReopen_RejectsLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	id, _ := m.Initialize(ctx, "user-1")
	if err := m.Reopen(ctx, id); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}
