package telegram

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/diora/switchboard/internal/relay"
)

// mockAPI implements botAPI for testing.
type mockAPI struct {
	mockFetcher
	sendMu   sync.Mutex
	sent     []SendMessageParams
	sendErrs []error
	meErr    error
}

func (m *mockAPI) GetMe(ctx context.Context) (User, error) {
	if m.meErr != nil {
		return User{}, m.meErr
	}
	return User{ID: 777, IsBot: true, Username: "switchboard_bot"}, nil
}

func (m *mockAPI) SendMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return Message{}, err
		}
	}
	m.sent = append(m.sent, p)
	return Message{MessageID: int64(1000 + len(m.sent))}, nil
}

func newTestAdapter(t *testing.T, api *mockAPI, mode string) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{
		API:          api,
		ChatID:       "-100",
		Mode:         mode,
		PollInterval: time.Hour,
		Logger:       log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(AdapterOpts{API: &mockAPI{}}); err == nil {
		t.Error("expected error without chat id")
	}
	if _, err := New(AdapterOpts{ChatID: "1"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(AdapterOpts{API: &mockAPI{}, ChatID: "1", Mode: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestAdapter_ConnectRecordsBotID(t *testing.T) {
	a := newTestAdapter(t, &mockAPI{}, ModePoll)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if a.BotUserID() != "777" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
	var _ relay.Adapter = a
	var _ relay.BotUserIDer = a
}

func TestAdapter_ConnectFailure(t *testing.T) {
	a := newTestAdapter(t, &mockAPI{meErr: errors.New("401 Unauthorized")}, ModePoll)
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("Listen before a successful Connect should fail")
	}
}

func TestAdapter_SendPrefersHTML(t *testing.T) {
	api := &mockAPI{}
	a := newTestAdapter(t, api, ModePoll)

	ref, err := a.Send(context.Background(), relay.OutboundMessage{Text: "plain", HTML: "<b>rich</b>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref != "1001" {
		t.Errorf("ref = %q, want 1001", ref)
	}
	if _, err := a.Send(context.Background(), relay.OutboundMessage{ChannelID: "55", Text: "plain"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if p := api.sent[0]; p.ChatID != "-100" || p.ParseMode != "HTML" || p.Text != "<b>rich</b>" {
		t.Errorf("first send = %+v", p)
	}
	if p := api.sent[1]; p.ChatID != "55" || p.ParseMode != "" || p.Text != "plain" {
		t.Errorf("second send = %+v", p)
	}
}

func TestAdapter_SendRetriesRateLimit(t *testing.T) {
	api := &mockAPI{sendErrs: []error{
		&APIError{Method: "sendMessage", Code: 429, RetryAfter: time.Millisecond},
	}}
	a := newTestAdapter(t, api, ModePoll)
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(api.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(api.sent))
	}
}

func TestAdapter_SendDoesNotRetryOtherErrors(t *testing.T) {
	api := &mockAPI{sendErrs: []error{&APIError{Method: "sendMessage", Code: 400, Description: "chat not found"}}}
	a := newTestAdapter(t, api, ModePoll)
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if len(api.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(api.sent))
	}
}

func TestAdapter_PollModeListen(t *testing.T) {
	api := &mockAPI{}
	api.batches = [][]Update{{
		{UpdateID: 1, Message: &Message{
			MessageID:      9,
			Chat:           Chat{ID: -100},
			From:           &User{ID: 42, FirstName: "Ops"},
			Text:           "on it",
			ReplyToMessage: &Message{MessageID: 1001},
		}},
	}}
	a := newTestAdapter(t, api, ModePoll)
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Text != "on it" || msg.ReplyTo != "1001" || msg.UserID != "42" || msg.UserName != "Ops" || msg.ChannelID != "-100" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Operator() != "telegram:-100:42" {
			t.Errorf("Operator = %q", msg.Operator())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel still open after Close")
	}
	if a.Poller().Cursor() != 1 {
		t.Errorf("Cursor = %d", a.Poller().Cursor())
	}
}

func TestAdapter_WebhookModeDeliver(t *testing.T) {
	a := newTestAdapter(t, &mockAPI{}, ModeWebhook)
	ctx := context.Background()
	if a.Poller() != nil {
		t.Error("webhook mode has a poller")
	}
	a.Connect(ctx)
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := a.Deliver(ctx, Message{MessageID: 4, Chat: Chat{ID: -100}, Text: "pushed"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if msg := <-ch; msg.Text != "pushed" || msg.MessageID != "4" {
		t.Errorf("msg = %+v", msg)
	}

	a.Close()
	if err := a.Deliver(ctx, Message{Text: "late"}); err == nil {
		t.Error("Deliver after Close should fail")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
