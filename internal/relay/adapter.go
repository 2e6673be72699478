// Package relay connects chat sessions to a human operator over a
// bot-messaging channel (Telegram, Slack or Discord): session events go out
// as notifications and operator replies come back as admin messages.
package relay

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. The same Adapter carries both directions: Send for notifications
// and Listen for operator replies.
type Adapter interface {
	// Connect establishes a connection to the platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound operator messages. The channel is
	// closed when the adapter is closed. Listen must only be called after
	// Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers a message and returns the platform's id for it, which
	// operator replies can later reference.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Close shuts down the adapter.
	Close() error
}

// InboundMessage is a message received from the operator channel.
type InboundMessage struct {
	Platform  string // "telegram", "slack", "discord"
	ChannelID string // chat or channel the message was posted in
	MessageID string
	ReplyTo   string // id of the message this one replies to, if any
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// Operator returns the identity designations are keyed by.
func (m InboundMessage) Operator() string {
	return m.Platform + ":" + m.ChannelID + ":" + m.UserID
}

// OutboundMessage is a message to post to the operator channel.
type OutboundMessage struct {
	ChannelID string          // empty for the adapter's default channel
	Text      string          // plain text
	HTML      string          // Telegram HTML rendering; Text is used if empty
	Event     *FormattedEvent // structured rendering for Slack and Discord
}

// FormattedEvent is a session event rendered for display in chat.
type FormattedEvent struct {
	Title  string
	Body   string
	Color  string // sidebar color hint, e.g. "#36a64f"
	Fields []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}

// BotUserIDer is implemented by adapters that know the bot's own user id so
// self-messages can be dropped.
type BotUserIDer interface {
	BotUserID() string
}
