package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/relay"
)

// Inbound modes.
const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
)

// maxRetries is the max number of retries for rate-limited sends.
const maxRetries = 3

// botAPI abstracts the Bot API methods the adapter uses, enabling test mocks.
type botAPI interface {
	Fetcher
	GetMe(ctx context.Context) (User, error)
	SendMessage(ctx context.Context, p SendMessageParams) (Message, error)
}

// Adapter implements relay.Adapter for Telegram. In poll mode Listen runs a
// Poller; in webhook mode inbound messages arrive through Deliver, which the
// HTTP server's Webhook calls.
type Adapter struct {
	api     botAPI
	chatID  string
	mode    string
	poller  *Poller
	logger  *log.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	connected bool
	closed    bool
	listening bool
	botUserID string
	inbound   chan relay.InboundMessage
	done      chan struct{}
	wg        sync.WaitGroup
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	Token        string
	ChatID       string // operator chat; default destination and inbound filter
	APIBase      string
	Mode         string // ModePoll (default) or ModeWebhook
	PollInterval time.Duration
	PollLimit    int
	Logger       *log.Logger
	Metrics      *metrics.Metrics
	// For testing: inject a mock API instead of the HTTP client.
	API botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.ChatID == "" {
		return nil, fmt.Errorf("telegram: chat id is required")
	}
	api := opts.API
	if api == nil {
		c, err := NewClient(ClientOpts{Token: opts.Token, APIBase: opts.APIBase})
		if err != nil {
			return nil, err
		}
		api = c
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModePoll
	}
	if mode != ModePoll && mode != ModeWebhook {
		return nil, fmt.Errorf("telegram: unknown mode %q", mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		api:     api,
		chatID:  opts.ChatID,
		mode:    mode,
		logger:  logger,
		metrics: opts.Metrics,
		inbound: make(chan relay.InboundMessage, 100),
		done:    make(chan struct{}),
	}
	if mode == ModePoll {
		p, err := NewPoller(PollerOpts{
			Fetcher:  api,
			ChatID:   opts.ChatID,
			Interval: opts.PollInterval,
			Limit:    opts.PollLimit,
			Logger:   logger,
			Metrics:  opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		a.poller = p
	}
	return a, nil
}

// Connect verifies the token with getMe and records the bot's user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	me, err := a.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	a.mu.Lock()
	a.botUserID = strconv.FormatInt(me.ID, 10)
	a.connected = true
	a.mu.Unlock()
	a.logger.Printf("telegram: connected as @%s (%s mode)", me.Username, a.mode)
	return nil
}

// Listen returns the inbound channel. In poll mode it also starts polling.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.poller != nil && !a.listening {
		pollCtx, cancel := context.WithCancel(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer cancel()
			go func() {
				select {
				case <-a.done:
					cancel()
				case <-pollCtx.Done():
				}
			}()
			a.poller.Run(pollCtx, func(ctx context.Context, m Message) {
				select {
				case a.inbound <- ToInbound(m):
				case <-ctx.Done():
				}
			})
		}()
	}
	a.listening = true
	return a.inbound, nil
}

// Deliver queues a webhook-received message for Listen's channel.
func (a *Adapter) Deliver(ctx context.Context, m Message) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("telegram: adapter closed")
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	select {
	case a.inbound <- ToInbound(m):
		return nil
	case <-a.done:
		return fmt.Errorf("telegram: adapter closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts msg to the operator chat (or msg.ChannelID) and returns the
// Telegram message id as the reply ref. HTML is preferred over plain text.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (string, error) {
	chatID := msg.ChannelID
	if chatID == "" {
		chatID = a.chatID
	}
	p := SendMessageParams{ChatID: chatID, Text: msg.Text, DisableWebPagePreview: true}
	if msg.HTML != "" {
		p.Text = msg.HTML
		p.ParseMode = "HTML"
	}
	if p.Text == "" {
		return "", fmt.Errorf("telegram: empty message")
	}

	var sent Message
	err := retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.api.SendMessage(ctx, p)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Telegram user id (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Poller returns the adapter's poller, or nil in webhook mode.
func (a *Adapter) Poller() *Poller {
	return a.poller
}

// ToInbound converts a Telegram message to the relay's inbound form.
func ToInbound(m Message) relay.InboundMessage {
	in := relay.InboundMessage{
		Platform:  "telegram",
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.FormatInt(m.MessageID, 10),
		Text:      m.Text,
		Timestamp: time.Unix(m.Date, 0),
	}
	if m.ReplyToMessage != nil {
		in.ReplyTo = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}
	if m.From != nil {
		in.UserID = strconv.FormatInt(m.From.ID, 10)
		in.UserName = m.From.Username
		if in.UserName == "" {
			in.UserName = m.From.FirstName
		}
	}
	return in
}

// retryOnRateLimit calls fn and retries on 429 responses, waiting the
// retry_after Telegram asks for.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
