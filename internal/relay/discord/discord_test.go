package discord

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/diora/switchboard/internal/relay"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sentMessages []sentMessage
	sendErr      error
	handlers     []interface{}
	removeCount  int
	channels     map[string]*discordgo.Channel // for Channel() lookups
	lastOptions  int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.lastOptions = len(options)
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("11000000000000000%d", len(m.sentMessages))}, nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// messageHandler returns the registered MessageCreate handler, if any.
func (m *mockSession) messageHandler() func(*discordgo.Session, *discordgo.MessageCreate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return fn
		}
	}
	return nil
}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{
		Session:   sess,
		ChannelID: "C_OPS",
		Logger:    log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess.ready("BOT_USER_ID")
	return a, sess
}

// ready delivers a Ready event to the registered handlers.
func (m *mockSession) ready(botID string) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, &discordgo.Ready{User: &discordgo.User{ID: botID, Username: "switchboard"}})
		}
	}
}

func create(id, channel, author, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: channel,
		Content:   content,
		Author:    &discordgo.User{ID: author, Username: strings.ToLower(author)},
	}}
}

func receive(t *testing.T, ch <-chan relay.InboundMessage) relay.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return relay.InboundMessage{}
}

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v, want bot token error", err)
	}
}

func TestConnect_Success(t *testing.T) {
	a, sess := newTestAdapter(t)
	if !sess.opened {
		t.Error("gateway not opened")
	}
	var _ relay.Adapter = a
	var _ relay.BotUserIDer = a
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("4004 authentication failed")
	a, _ := New(AdapterOpts{Session: sess})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v", err)
	}
}

func TestConnect_ReadyHandlerSetsBotID(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.ready("B42")
	if a.BotUserID() != "B42" {
		t.Errorf("BotUserID = %q, want B42", a.BotUserID())
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_DeliversOperatorMessages(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := sess.messageHandler()
	if h == nil {
		t.Fatal("no message handler registered")
	}

	h(nil, create("123456789012345678", "C_OPS", "ALICE", "hello"))
	msg := receive(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "C_OPS" || msg.UserID != "ALICE" || msg.UserName != "alice" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.MessageID != "123456789012345678" || msg.ReplyTo != "" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHandleMessage_ReplyReference(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	m := create("2", "C_OPS", "ALICE", "answer")
	m.MessageReference = &discordgo.MessageReference{MessageID: "110000000000000001", ChannelID: "C_OPS"}
	a.handleMessage(m)
	if msg := receive(t, ch); msg.ReplyTo != "110000000000000001" {
		t.Errorf("ReplyTo = %q", msg.ReplyTo)
	}
}

func TestHandleMessage_ThreadRepliesToStarter(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["110000000000000001"] = &discordgo.Channel{
		ID:       "110000000000000001",
		ParentID: "C_OPS",
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}
	ch, _ := a.Listen(context.Background())

	a.handleMessage(create("3", "110000000000000001", "ALICE", "in thread"))
	msg := receive(t, ch)
	if msg.ChannelID != "C_OPS" || msg.ReplyTo != "110000000000000001" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", ChannelID: "C_OPS", Content: "no author"}})
	a.handleMessage(create("2", "C_OPS", "BOT_USER_ID", "self"))
	bot := create("3", "C_OPS", "OTHER_BOT", "bot")
	bot.Author.Bot = true
	a.handleMessage(bot)
	a.handleMessage(create("4", "C_ELSEWHERE", "ALICE", "wrong channel"))
	a.handleMessage(create("5", "C_OPS", "BOB", "from bob"))

	if msg := receive(t, ch); msg.Text != "from bob" {
		t.Errorf("first delivered = %q, want from bob", msg.Text)
	}
}

func TestSend_ReturnsMessageID(t *testing.T) {
	a, sess := newTestAdapter(t)
	ref, err := a.Send(context.Background(), relay.OutboundMessage{
		Text:  "fallback",
		Event: &relay.FormattedEvent{Title: "New chat message", Body: "hi", Color: "#2196f3"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref != "110000000000000001" {
		t.Errorf("ref = %q", ref)
	}
	sent := sess.sentMessages[0]
	if sent.channelID != "C_OPS" || len(sent.data.Embeds) != 1 || sent.data.Content != "" {
		t.Errorf("sent = %+v", sent)
	}
	if sent.data.Embeds[0].Color != 0x2196f3 {
		t.Errorf("color = %x", sent.data.Embeds[0].Color)
	}
}

func TestSend_TextOnly(t *testing.T) {
	a, sess := newTestAdapter(t)
	if _, err := a.Send(context.Background(), relay.OutboundMessage{ChannelID: "C2", Text: "Now talking to #12345678."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := sess.sentMessages[0]; sent.channelID != "C2" || sent.data.Content != "Now talking to #12345678." {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession(), ChannelID: "C1"})
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "hello"}); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	a.Connect(context.Background())
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "hello"}); err == nil {
		t.Fatal("expected error for no channel")
	}
}

func TestSend_PostError(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErr = fmt.Errorf("missing access")
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "hello"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestClose_RemovesHandlerAndClosesInbound(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.removeCount != 2 || !sess.closeCalled {
		t.Errorf("removeCount = %d, closeCalled = %v", sess.removeCount, sess.closeCalled)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel still open")
	}
	// Late gateway events are dropped rather than sent on a closed channel.
	a.handleMessage(create("9", "C_OPS", "ALICE", "late"))
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSend_DisablesMentions(t *testing.T) {
	a, sess := newTestAdapter(t)
	if _, err := a.Send(context.Background(), relay.OutboundMessage{Text: "@everyone where is my order?"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	am := sess.sentMessages[0].data.AllowedMentions
	if am == nil || len(am.Parse) != 0 || len(am.Users) != 0 || len(am.Roles) != 0 {
		t.Errorf("AllowedMentions = %+v, want none", am)
	}
}

func TestSend_PassesContext(t *testing.T) {
	a, sess := newTestAdapter(t)
	a.Send(context.Background(), relay.OutboundMessage{Text: "hello"})
	if n := sess.lastOptions; n != 1 {
		t.Errorf("request options = %d, want 1", n)
	}
}

func TestEmbed(t *testing.T) {
	e := embed(relay.FormattedEvent{
		Title:  "Chat status changed",
		Body:   "Conversation ended",
		Color:  "#e53935",
		Fields: []relay.Field{{Name: "Chat", Value: "#12345678", Short: true}},
	})
	if e.Title != "Chat status changed" || e.Description != "Conversation ended" {
		t.Errorf("embed = %+v", e)
	}
	if e.Color != 0xe53935 {
		t.Errorf("color = %x", e.Color)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Errorf("fields = %+v", e.Fields)
	}
	if noColor := embed(relay.FormattedEvent{Title: "x"}); noColor.Color != 0 {
		t.Errorf("color = %d, want 0", noColor.Color)
	}
}

func TestEmbed_CapsFields(t *testing.T) {
	var fields []relay.Field
	for i := 0; i < maxEmbedFields+5; i++ {
		fields = append(fields, relay.Field{Name: fmt.Sprint(i), Value: "v"})
	}
	if n := len(embed(relay.FormattedEvent{Fields: fields}).Fields); n != maxEmbedFields {
		t.Errorf("fields = %d, want %d", n, maxEmbedFields)
	}
}

func TestHexColor(t *testing.T) {
	tests := map[string]int{
		"#36a64f":  0x36a64f,
		"FF0000":   0xff0000,
		"#000000":  0,
		"":         0,
		"#zzzzzz":  0,
		"#1234567": 0,
	}
	for in, want := range tests {
		if got := hexColor(in); got != want {
			t.Errorf("hexColor(%q) = %x, want %x", in, got, want)
		}
	}
}
