package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/diora/switchboard/internal/metrics"
)

const (
	// DefaultPollInterval is the delay between getUpdates cycles.
	DefaultPollInterval = 5 * time.Second
	// DefaultPollLimit is the getUpdates batch size.
	DefaultPollLimit = 10
)

// Fetcher is the part of the Bot API the poller needs.
type Fetcher interface {
	GetUpdates(ctx context.Context, offset int64, limit int) ([]Update, error)
}

// Poller pulls updates with getUpdates and hands on text messages from the
// operator chat. The cursor is the highest update id seen; it only moves
// forward, and a failed cycle leaves it unchanged so the next cycle
// re-requests the same updates.
type Poller struct {
	fetcher  Fetcher
	chatID   string
	interval time.Duration
	limit    int
	logger   *log.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex // serializes cycles
	cursor int64
}

// PollerOpts holds parameters for creating a Poller.
type PollerOpts struct {
	Fetcher  Fetcher
	ChatID   string // operator chat; updates from other chats are skipped
	Interval time.Duration
	Limit    int
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// NewPoller creates a Poller starting at cursor 0.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("telegram: fetcher is required")
	}
	if opts.ChatID == "" {
		return nil, fmt.Errorf("telegram: chat id is required")
	}
	p := &Poller{
		fetcher:  opts.Fetcher,
		chatID:   opts.ChatID,
		interval: opts.Interval,
		limit:    opts.Limit,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.limit <= 0 {
		p.limit = DefaultPollLimit
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p, nil
}

// Cursor returns the highest update id processed so far.
func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Poll runs one cycle and returns the operator messages in update order.
// Every fetched update advances the cursor, relayed or not.
func (p *Poller) Poll(ctx context.Context) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	updates, err := p.fetcher.GetUpdates(ctx, p.cursor+1, p.limit)
	if err != nil {
		p.metrics.PollError()
		return nil, fmt.Errorf("telegram: poll: %w", err)
	}
	var out []Message
	for _, u := range updates {
		if u.UpdateID > p.cursor {
			p.cursor = u.UpdateID
		}
		if m, ok := operatorMessage(u, p.chatID); ok {
			out = append(out, *m)
		}
	}
	p.metrics.PollCursor(p.cursor)
	return out, nil
}

// Run polls immediately and then every interval until ctx is cancelled,
// calling handle for each operator message. Handling finishes before the
// next cycle starts, so cycles never overlap.
func (p *Poller) Run(ctx context.Context, handle func(context.Context, Message)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		msgs, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("%v", err)
		}
		for _, m := range msgs {
			handle(ctx, m)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// operatorMessage returns u's message if it is text sent in chatID.
func operatorMessage(u Update, chatID string) (*Message, bool) {
	m := u.Message
	if m == nil || m.Text == "" {
		return nil, false
	}
	if strconv.FormatInt(m.Chat.ID, 10) != chatID {
		return nil, false
	}
	return m, true
}
