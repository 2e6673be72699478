// Package slack implements the relay Adapter for Slack using Socket Mode.
// Notifications are posted to one channel; an operator answers a session by
// replying in the notification's thread.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/diora/switchboard/internal/relay"
)

const (
	// rateLimitRetries is how often a rate-limited post is retried.
	rateLimitRetries = 2
	// recentSize bounds the user-name and seen-message caches.
	recentSize = 512
)

// api is the part of the Slack Web API the adapter calls.
type api interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socket is the part of the Socket Mode client the adapter uses.
type socket interface {
	RunContext(ctx context.Context) error
	Events() <-chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeClient struct{ *socketmode.Client }

func (c socketModeClient) Events() <-chan socketmode.Event { return c.Client.Events }

// Adapter implements relay.Adapter for Slack Socket Mode.
type Adapter struct {
	appToken  string
	botToken  string
	channelID string
	logger    *log.Logger

	// names maps user ids to display names; seen holds recent message
	// timestamps, since a mention arrives as both a message and an
	// app_mention event.
	names *lru.Cache[string, string]
	seen  *lru.Cache[string, struct{}]

	mu        sync.Mutex
	client    api
	socket    socket
	botUserID string
	connected bool
	closed    bool
	stop      context.CancelFunc
	pumps     sync.WaitGroup
	inbound   chan relay.InboundMessage
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // operator channel
	Logger    *log.Logger

	// Client and Socket replace the real Slack clients in tests.
	Client api
	Socket socket
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	names, err := lru.New[string, string](recentSize)
	if err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	seen, err := lru.New[string, struct{}](recentSize)
	if err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	return &Adapter{
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		logger:    logger,
		names:     names,
		seen:      seen,
		client:    opts.Client,
		socket:    opts.Socket,
		inbound:   make(chan relay.InboundMessage, 100),
	}, nil
}

// Connect checks the bot token and records the bot's own user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.client == nil {
		client := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = client
		a.socket = socketModeClient{socketmode.New(client)}
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen runs the Socket Mode connection until Close or ctx is done and
// returns operator messages from the operator channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.stop != nil {
		return a.inbound, nil
	}
	ctx, a.stop = context.WithCancel(ctx)

	// socketmode reconnects on its own; RunContext returns only when ctx
	// ends or the app token is rejected.
	go func() {
		if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Printf("slack: socket mode stopped: %v", err)
		}
	}()
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		a.pump(ctx)
	}()
	return a.inbound, nil
}

// Send posts msg to the operator channel. The returned ref is the message
// timestamp, which thread replies carry as thread_ts.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (string, error) {
	a.mu.Lock()
	client, connected := a.client, a.connected
	a.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("slack: not connected")
	}
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}
	if channel == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}

	options := messageOptions(msg)
	for attempt := 0; ; attempt++ {
		_, ts, err := client.PostMessage(channel, options...)
		if err == nil {
			return ts, nil
		}
		var limited *slackapi.RateLimitedError
		if !errors.As(err, &limited) || attempt == rateLimitRetries {
			return "", fmt.Errorf("slack: post message: %w", err)
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close stops listening and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.stop != nil {
		a.stop()
	}
	a.mu.Unlock()

	a.pumps.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user id, known after Connect.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) pump(ctx context.Context) {
	events := a.socket.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					a.handle(ctx, ev)
				}
			case socketmode.EventTypeConnectionError, socketmode.EventTypeInvalidAuth:
				a.logger.Printf("slack: %s: %v", evt.Type, evt.Data)
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	var msg relay.InboundMessage
	var threadTS string
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Edits, deletes and other bots' posts carry a subtype or bot id.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		msg = relay.InboundMessage{ChannelID: ev.Channel, MessageID: ev.TimeStamp, UserID: ev.User, Text: ev.Text}
		threadTS = ev.ThreadTimeStamp
	case *slackevents.AppMentionEvent:
		msg = relay.InboundMessage{ChannelID: ev.Channel, MessageID: ev.TimeStamp, UserID: ev.User, Text: ev.Text}
		threadTS = ev.ThreadTimeStamp
	default:
		return
	}
	if msg.UserID == "" || msg.UserID == a.BotUserID() {
		return
	}
	if a.channelID != "" && msg.ChannelID != a.channelID {
		return
	}
	if seen, _ := a.seen.ContainsOrAdd(msg.ChannelID+"/"+msg.MessageID, struct{}{}); seen {
		return
	}
	msg.Platform = "slack"
	msg.UserName = a.userName(msg.UserID)
	msg.Text = stripMentions(msg.Text)
	msg.Timestamp = parseTS(msg.MessageID)
	if threadTS != "" && threadTS != msg.MessageID {
		msg.ReplyTo = threadTS
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// userName returns the user's display name, or the id when lookup fails.
func (a *Adapter) userName(userID string) string {
	if name, ok := a.names.Get(userID); ok {
		return name
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = userID
	}
	a.names.Add(userID, name)
	return name
}

// stripMentions drops leading <@U...> mentions so "@bot /list" reads as a
// command.
func stripMentions(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "<@") {
		end := strings.IndexByte(text, '>')
		if end < 0 {
			break
		}
		text = strings.TrimSpace(text[end+1:])
	}
	return text
}

// messageOptions renders msg. A formatted event becomes a colored
// attachment of Block Kit blocks with msg.Text as the notification text.
func messageOptions(msg relay.OutboundMessage) []slackapi.MsgOption {
	if msg.Event == nil {
		return []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	}
	text := msg.Text
	if text == "" {
		text = msg.Event.Title
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionAttachments(slackapi.Attachment{
			Color:    msg.Event.Color,
			Fallback: text,
			Blocks:   slackapi.Blocks{BlockSet: eventBlocks(*msg.Event)},
		}),
	}
}

// eventBlocks lays out an event as a header, its body, one section holding
// the short fields side by side and one section per long field.
func eventBlocks(evt relay.FormattedEvent) []slackapi.Block {
	var blocks []slackapi.Block
	if evt.Title != "" {
		blocks = append(blocks, slackapi.NewHeaderBlock(plain(evt.Title)))
	}
	if evt.Body != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(markdown(evt.Body), nil, nil))
	}
	var short []*slackapi.TextBlockObject
	var long []slackapi.Block
	for _, f := range evt.Fields {
		obj := markdown("*" + f.Name + "*\n" + f.Value)
		if f.Short {
			short = append(short, obj)
			continue
		}
		long = append(long, slackapi.NewSectionBlock(obj, nil, nil))
	}
	// A section holds at most ten fields.
	for len(short) > 0 {
		n := min(len(short), 10)
		blocks = append(blocks, slackapi.NewSectionBlock(nil, short[:n], nil))
		short = short[n:]
	}
	return append(blocks, long...)
}

func plain(s string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.PlainTextType, s, true, false)
}

func markdown(s string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.MarkdownType, s, false, false)
}

// parseTS converts a Slack timestamp such as "1700000000.123456".
func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	usec, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(sec, usec*int64(time.Microsecond))
}
