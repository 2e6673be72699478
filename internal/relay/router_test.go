package relay

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/diora/switchboard/internal/models"
)

func newTestRouter(t *testing.T, refs int) (*Router, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	r, err := NewRouter(RouterOpts{ReplyRefs: refs, Logger: log.New(&logs, "", 0)})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, &logs
}

func TestRouter_ResolveOrder(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	msg := InboundMessage{Platform: "slack", ChannelID: "C1", UserID: "U1"}

	if id, how := r.Resolve(msg); id != "" || how != Unresolved {
		t.Fatalf("empty router resolved to %q (%s)", id, how)
	}

	r.SetActiveChat("default-session")
	if id, how := r.Resolve(msg); id != "default-session" || how != ResolvedByDefault {
		t.Errorf("Resolve = %q (%s), want default", id, how)
	}

	r.Designate(msg.Operator(), "operator-session")
	if id, how := r.Resolve(msg); id != "operator-session" || how != ResolvedByOperator {
		t.Errorf("Resolve = %q (%s), want operator designation", id, how)
	}

	r.Remember("ts-1", "replied-session")
	msg.ReplyTo = "ts-1"
	if id, how := r.Resolve(msg); id != "replied-session" || how != ResolvedByReply {
		t.Errorf("Resolve = %q (%s), want reply ref", id, how)
	}

	msg.ReplyTo = "unknown-ref"
	if id, _ := r.Resolve(msg); id != "operator-session" {
		t.Errorf("unknown reply ref resolved to %q, want designation fallback", id)
	}
}

func TestRouter_OperatorsAreIndependent(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	alice := InboundMessage{Platform: "discord", ChannelID: "c", UserID: "alice"}
	bob := InboundMessage{Platform: "discord", ChannelID: "c", UserID: "bob"}
	r.Designate(alice.Operator(), "s-alice")
	r.Designate(bob.Operator(), "s-bob")

	if id, _ := r.Resolve(alice); id != "s-alice" {
		t.Errorf("alice -> %q", id)
	}
	if id, _ := r.Resolve(bob); id != "s-bob" {
		t.Errorf("bob -> %q", id)
	}
	if alice.Operator() != "discord:c:alice" {
		t.Errorf("Operator() = %q", alice.Operator())
	}
}

func TestRouter_DesignateCallback(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	var calls []string
	r.OnDesignate(func(op, id string) { calls = append(calls, op+"="+id) })

	r.SetActiveChat("s1")
	r.SetActiveChat("s1")
	r.Designate("telegram:1:2", "s2")
	r.Designate("telegram:1:2", "")

	want := []string{"=s1", "telegram:1:2=s2", "telegram:1:2="}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if r.Designation("telegram:1:2") != "" {
		t.Error("empty id did not clear the designation")
	}
}

func TestRouter_Forget(t *testing.T) {
	r, _ := newTestRouter(t, 0)
	r.SetActiveChat("s1")
	r.Designate("op", "s1")
	r.Designate("other", "s2")
	r.Forget("s1")

	if r.ActiveChat() != "" || r.Designation("op") != "" {
		t.Error("Forget left a designation of s1")
	}
	if r.Designation("other") != "s2" {
		t.Error("Forget removed an unrelated designation")
	}
}

func TestRouter_ReplyRefsEvictOldest(t *testing.T) {
	r, _ := newTestRouter(t, 2)
	r.Remember("a", "s1")
	r.Remember("b", "s2")
	r.Remember("c", "s3")
	r.Remember("", "s4")

	if id, _ := r.Resolve(InboundMessage{ReplyTo: "a"}); id != "" {
		t.Errorf("evicted ref resolved to %q", id)
	}
	if id, _ := r.Resolve(InboundMessage{ReplyTo: "c"}); id != "s3" {
		t.Errorf("ref c resolved to %q", id)
	}
}

func TestRecentCandidates(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ms := func(ago time.Duration) int64 { return now.Add(-ago).UnixMilli() }
	chats := []models.Chat{
		{ID: "old", Info: models.SessionInfo{Status: models.StatusActive}, Messages: []models.Message{
			{Sender: models.SenderCustomer, Timestamp: ms(15 * time.Minute)},
		}},
		{ID: "recent", Info: models.SessionInfo{Status: models.StatusActive}, Messages: []models.Message{
			{Sender: models.SenderCustomer, Timestamp: ms(5 * time.Minute)},
		}},
		{ID: "newest", Info: models.SessionInfo{Status: models.StatusReopened}, Messages: []models.Message{
			{Sender: models.SenderCustomer, Timestamp: ms(time.Minute)},
		}},
		{ID: "closed", Info: models.SessionInfo{Status: models.StatusClosed}, Messages: []models.Message{
			{Sender: models.SenderCustomer, Timestamp: ms(time.Minute)},
		}},
		{ID: "admin-only", Info: models.SessionInfo{Status: models.StatusActive}, Messages: []models.Message{
			{Sender: models.SenderAdmin, Timestamp: ms(time.Minute)},
			{Sender: models.SenderSystem, Timestamp: ms(time.Minute)},
		}},
		{ID: "empty", Info: models.SessionInfo{Status: models.StatusActive}},
	}

	got := RecentCandidates(chats, now, DefaultRecentWindow)
	if strings.Join(got, ",") != "newest,recent" {
		t.Errorf("RecentCandidates = %v, want [newest recent]", got)
	}
}

func TestRouter_WatchRecentDesignatesSingleCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stop := f.router.WatchRecent(ctx, f.repo, f.clock, 0)
	defer stop()

	a := f.session(t)
	if f.router.ActiveChat() != "" {
		t.Fatal("session without customer messages was designated")
	}
	if _, err := f.repo.AppendMessage(ctx, a, models.Message{Text: "hi", Sender: models.SenderCustomer}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if f.router.ActiveChat() != a {
		t.Fatalf("ActiveChat = %q, want %q", f.router.ActiveChat(), a)
	}
	if !strings.Contains(f.logs.String(), "auto-set") {
		t.Errorf("logs = %q", f.logs.String())
	}

	b := f.session(t)
	f.clock.Advance(time.Second)
	if _, err := f.repo.AppendMessage(ctx, b, models.Message{Text: "me too", Sender: models.SenderCustomer}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if f.router.ActiveChat() != a {
		t.Errorf("ambiguous candidates changed the designation to %q", f.router.ActiveChat())
	}
	if n := strings.Count(f.logs.String(), "recent chats"); n != 1 {
		t.Errorf("ambiguity logged %d times, want 1", n)
	}

	// A further write with the same candidates does not log again.
	if _, err := f.repo.AppendMessage(ctx, b, models.Message{Text: "hello?", Sender: models.SenderCustomer}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if n := strings.Count(f.logs.String(), "recent chats"); n != 1 {
		t.Errorf("ambiguity logged %d times, want 1", n)
	}
}

func TestRouter_WatchRecentIgnoresCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()
	err := f.repo.Cache().SaveChat(ctx, "cached", models.SessionInfo{Status: models.StatusActive, StartTime: now},
		[]models.Message{{ID: "m1", Text: "hi", Sender: models.SenderCustomer, Timestamp: now}})
	if err != nil {
		t.Fatalf("SaveChat: %v", err)
	}

	stop := f.router.WatchRecent(ctx, f.repo, f.clock, 0)
	defer stop()
	if got := f.router.ActiveChat(); got != "" {
		t.Errorf("cached session designated: %q", got)
	}
}
