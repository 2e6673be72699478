package relay

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/session"
)

// Relay turns inbound operator messages into admin messages on sessions and
// answers operator commands.
type Relay struct {
	repo    *chat.Repository
	router  *Router
	bridge  *Bridge
	adapter Adapter
	logger  *log.Logger
	metrics *metrics.Metrics
}

// Opts holds parameters for creating a Relay.
type Opts struct {
	Repo    *chat.Repository
	Router  *Router
	Bridge  *Bridge // optional; echoes operator replies as notifications
	Adapter Adapter // optional; needed for Run and command responses
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("relay: repo is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("relay: router is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		repo:    opts.Repo,
		router:  opts.Router,
		bridge:  opts.Bridge,
		adapter: opts.Adapter,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run connects the adapter and handles inbound messages until ctx is
// cancelled or the adapter closes its channel.
func (r *Relay) Run(ctx context.Context) error {
	if r.adapter == nil {
		return fmt.Errorf("relay: adapter is required to run")
	}
	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}
	inbound, err := r.adapter.Listen(ctx)
	if err != nil {
		r.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}
	var botUserID string
	if b, ok := r.adapter.(BotUserIDer); ok {
		botUserID = b.BotUserID()
	}
	r.logger.Printf("relay: listening for operator replies")
	for {
		select {
		case <-ctx.Done():
			if err := r.adapter.Close(); err != nil {
				r.logger.Printf("relay: close adapter: %v", err)
			}
			return nil
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Printf("relay: inbound channel closed")
				return nil
			}
			if botUserID != "" && msg.UserID == botUserID {
				continue
			}
			r.HandleInbound(ctx, msg)
		}
	}
}

// HandleInbound processes one operator message: commands are answered,
// everything else is relayed to the resolved session.
func (r *Relay) HandleInbound(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		r.metrics.Inbound("ignored")
		return
	}
	if strings.HasPrefix(text, "/") {
		r.metrics.Inbound("command")
		r.respond(ctx, msg, r.command(ctx, msg, text))
		return
	}
	msg.Text = text
	if _, err := r.ProcessAdminMessage(ctx, msg); err != nil {
		r.logger.Printf("relay: %v", err)
	}
}

// ProcessAdminMessage appends msg as an admin message to the session it
// resolves to and returns that session's id. With no session resolved the
// message is dropped and logged; nothing is written.
func (r *Relay) ProcessAdminMessage(ctx context.Context, msg InboundMessage) (string, error) {
	id, how := r.router.Resolve(msg)
	if id == "" {
		r.logger.Printf("relay: no active chat, operator message dropped: %q", truncate(msg.Text, 80))
		r.metrics.Inbound("dropped")
		return "", nil
	}
	if _, err := r.Reply(ctx, id, msg.Text); err != nil {
		r.metrics.Inbound("failed")
		return "", err
	}
	r.logger.Printf("relay: operator reply to %s (%s)", models.ShortID(id), how)
	r.metrics.Inbound("relayed")
	return id, nil
}

// Reply appends text as an admin message to session id and echoes it to the
// operator channel.
func (r *Relay) Reply(ctx context.Context, id, text string) (models.Message, error) {
	stored, err := r.repo.AppendMessage(ctx, id, models.Message{
		Text:   text,
		Sender: models.SenderAdmin,
		Type:   models.MessageTypeMessage,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("relay: append operator reply to %s: %w", models.ShortID(id), err)
	}
	if r.bridge != nil {
		r.bridge.Send(ctx, Event{
			Kind:      KindAdminReply,
			SessionID: id,
			Text:      stored.Text,
			At:        models.FromMillis(stored.Timestamp),
		})
	}
	return stored, nil
}

// CloseChat closes session id on behalf of the operator, drops it from every
// designation and notifies the operator channel.
func (r *Relay) CloseChat(ctx context.Context, id string) (session.Transition, error) {
	t, err := session.CloseByAdmin(ctx, r.repo, r.logger, id)
	if err != nil {
		return session.Transition{}, err
	}
	r.metrics.Transition(string(t.From), string(t.To), string(t.TriggeredBy))
	r.router.Forget(id)
	if r.bridge != nil && t.From != t.To {
		r.bridge.Send(ctx, Event{Kind: KindClosed, SessionID: id, Reason: string(models.CloseAdmin)})
	}
	return t, nil
}

const helpText = `Commands:
/list - recent conversations
/use <id> - send your next messages to the conversation ending in <id>
/close [id] - end a conversation (defaults to the one you are talking to)
/help - this text

Reply to a notification to answer that conversation directly.`

func (r *Relay) command(ctx context.Context, msg InboundMessage, text string) string {
	args := strings.Fields(text)
	name := strings.TrimPrefix(args[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args = args[1:]

	switch name {
	case "list":
		return r.cmdList(ctx, msg)
	case "use":
		if len(args) != 1 {
			return "Usage: /use <id>"
		}
		id, problem := r.match(ctx, args[0])
		if problem != "" {
			return problem
		}
		r.router.Designate(msg.Operator(), id)
		return fmt.Sprintf("Now talking to #%s.", models.ShortID(id))
	case "close":
		var id string
		if len(args) > 0 {
			var problem string
			if id, problem = r.match(ctx, args[0]); problem != "" {
				return problem
			}
		} else if id, _ = r.router.Resolve(msg); id == "" {
			return "No conversation selected. Usage: /close <id>"
		}
		if _, err := r.CloseChat(ctx, id); err != nil {
			return fmt.Sprintf("Could not close #%s: %v", models.ShortID(id), err)
		}
		return fmt.Sprintf("Closed #%s.", models.ShortID(id))
	case "help", "start":
		return helpText
	default:
		return fmt.Sprintf("Unknown command /%s\n\n%s", name, helpText)
	}
}

func (r *Relay) cmdList(ctx context.Context, msg InboundMessage) string {
	chats, src, err := r.repo.Chats(ctx)
	if err != nil {
		return fmt.Sprintf("Could not list conversations: %v", err)
	}
	current, _ := r.router.Resolve(InboundMessage{Platform: msg.Platform, ChannelID: msg.ChannelID, UserID: msg.UserID})
	var b strings.Builder
	n := 0
	for _, c := range chats {
		if !c.Info.Status.Live() {
			continue
		}
		mark := " "
		if c.ID == current {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s #%s %s", mark, models.ShortID(c.ID), c.Info.Status)
		if last, ok := c.LastMessage(); ok {
			fmt.Fprintf(&b, " - %s", truncate(last.Text, 40))
		}
		b.WriteString("\n")
		n++
	}
	if n == 0 {
		return "No open conversations."
	}
	if src == chat.SourceCache {
		b.WriteString("(store unavailable, showing cached data)\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// match finds the one session whose id ends with suffix. On failure it
// returns the text to show the operator instead.
func (r *Relay) match(ctx context.Context, suffix string) (string, string) {
	suffix = strings.TrimPrefix(suffix, "#")
	chats, _, err := r.repo.Chats(ctx)
	if err != nil {
		return "", fmt.Sprintf("Could not look up #%s: %v", suffix, err)
	}
	var found []string
	for _, c := range chats {
		if strings.HasSuffix(c.ID, suffix) {
			found = append(found, c.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Sprintf("No conversation ends in %s.", suffix)
	case 1:
		return found[0], ""
	default:
		return "", fmt.Sprintf("%d conversations end in %s; use more characters.", len(found), suffix)
	}
}

func (r *Relay) respond(ctx context.Context, msg InboundMessage, text string) {
	if r.adapter == nil || text == "" {
		return
	}
	if _, err := r.adapter.Send(ctx, OutboundMessage{ChannelID: msg.ChannelID, Text: text}); err != nil {
		r.logger.Printf("relay: send command response: %v", err)
	}
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	rs := []rune(s)
	if len(rs) <= maxLen {
		return s
	}
	return string(rs[:maxLen]) + "..."
}
