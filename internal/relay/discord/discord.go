// Package discord implements the relay Adapter for Discord over the Gateway.
// An operator answers a session with a Discord reply to its notification, or
// by writing in a thread started from it.
package discord

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/diora/switchboard/internal/relay"
)

// maxEmbedFields is Discord's limit on fields per embed.
const maxEmbedFields = 25

// session is the part of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// gateway is the real session. Channel lookups try the state cache first.
type gateway struct{ *discordgo.Session }

func (g gateway) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := g.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return g.Session.Channel(channelID)
}

// Adapter implements relay.Adapter for Discord.
type Adapter struct {
	botToken  string
	channelID string
	logger    *log.Logger

	mu        sync.Mutex
	sess      session
	botUserID string
	connected bool
	closed    bool
	remove    []func()
	listening bool
	handlers  sync.WaitGroup
	done      chan struct{}
	inbound   chan relay.InboundMessage
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // operator channel
	Logger    *log.Logger

	// Session replaces the real gateway session in tests.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		logger:    logger,
		sess:      opts.Session,
		done:      make(chan struct{}),
		inbound:   make(chan relay.InboundMessage, 100),
	}, nil
}

// Connect opens the gateway. The bot's own user id arrives with the Ready
// event; discordgo resumes or reconnects the gateway by itself.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = gateway{dg}
	}
	a.remove = append(a.remove, a.sess.AddHandler(a.ready))
	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

func (a *Adapter) ready(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
	a.logger.Printf("discord: connected as %s", r.User.Username)
}

// Listen starts delivering operator messages from the operator channel and
// its threads.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if !a.listening {
		a.listening = true
		a.remove = append(a.remove, a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}))
	}
	return a.inbound, nil
}

// Send posts msg and returns the Discord message id. discordgo waits out
// rate limits itself; ctx bounds the wait.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (string, error) {
	a.mu.Lock()
	sess, connected := a.sess, a.connected
	a.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("discord: not connected")
	}
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}
	if channel == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}
	sent, err := sess.ChannelMessageSendComplex(channel, messageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	if sent == nil {
		return "", nil
	}
	return sent.ID, nil
}

// Close removes the handlers, closes the gateway and then the inbound
// channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.remove {
		remove()
	}
	a.remove = nil
	close(a.done)
	sess := a.sess
	a.mu.Unlock()

	a.handlers.Wait()
	close(a.inbound)
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// BotUserID returns the bot's Discord user id, known after Ready.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	if a.closed || m.Author.ID == a.botUserID {
		a.mu.Unlock()
		return
	}
	a.handlers.Add(1)
	sess := a.sess
	a.mu.Unlock()
	defer a.handlers.Done()

	msg := relay.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      strings.TrimSpace(m.Content),
	}
	msg.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)

	// A thread started from a notification shares the notification's id,
	// so a message inside the thread replies to that notification.
	if ch, err := sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		msg.ChannelID = ch.ParentID
		msg.ReplyTo = m.ChannelID
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		msg.ReplyTo = ref.MessageID
	}
	if a.channelID != "" && msg.ChannelID != a.channelID {
		return
	}
	select {
	case a.inbound <- msg:
	case <-a.done:
	}
}

// messageSend renders msg. Customer text never pings anyone in the operator
// channel.
func messageSend(msg relay.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{AllowedMentions: &discordgo.MessageAllowedMentions{}}
	if msg.Event == nil {
		data.Content = msg.Text
		return data
	}
	data.Embeds = []*discordgo.MessageEmbed{embed(*msg.Event)}
	return data
}

func embed(evt relay.FormattedEvent) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
		Color:       hexColor(evt.Color),
	}
	for i, f := range evt.Fields {
		if i == maxEmbedFields {
			break
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return e
}

// hexColor parses "#36a64f" or "36a64f"; anything else is no color.
func hexColor(s string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}
