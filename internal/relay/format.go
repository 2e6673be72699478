package relay

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/diora/switchboard/internal/models"
)

// Kind selects a notification template.
type Kind string

const (
	KindActive     Kind = "active"
	KindInactive   Kind = "inactive"
	KindClosed     Kind = "closed"
	KindReopened   Kind = "reopened"
	KindMessage    Kind = "message"
	KindAdminReply Kind = "admin_reply"
)

// Reasons used by status notifications in addition to the history reasons.
const (
	ReasonSessionStart    = "session_start"
	ReasonSessionContinue = "session_continue"
)

// Color constants for event kinds.
const (
	ColorActive   = "#36a64f"
	ColorInactive = "#ffc107"
	ColorClosed   = "#e53935"
	ColorReopened = "#ff9800"
	ColorMessage  = "#2196f3"
)

// Seoul is the operator's time zone. Korea has no daylight saving time.
var Seoul = time.FixedZone("KST", 9*60*60)

// Event is one notification to the operator.
type Event struct {
	Kind      Kind
	SessionID string
	Reason    string // status kinds: close reason or history reason
	Text      string // message kinds: the message text
	At        time.Time
}

// StatusKind maps a session status to its notification kind.
func StatusKind(s models.Status) Kind {
	switch s {
	case models.StatusActive:
		return KindActive
	case models.StatusInactive:
		return KindInactive
	case models.StatusReopened:
		return KindReopened
	default:
		return KindClosed
	}
}

var statusTitles = map[Kind]string{
	KindActive:   "🟢 New conversation",
	KindInactive: "🟡 Conversation inactive",
	KindClosed:   "🔴 Conversation ended",
	KindReopened: "🟠 Conversation resumed",
}

var statusColors = map[Kind]string{
	KindActive:   ColorActive,
	KindInactive: ColorInactive,
	KindClosed:   ColorClosed,
	KindReopened: ColorReopened,
}

var reasonTexts = map[string]string{
	ReasonSessionStart:               "A new customer started a conversation",
	ReasonSessionContinue:            "The customer continued a previous conversation",
	models.ReasonSessionReopened:     "The customer continued a previous conversation",
	string(models.CloseManual):       "The customer ended the conversation",
	string(models.CloseBeforeUnload): "The customer closed the browser window",
	string(models.CloseTimeout):      "Closed automatically after inactivity",
	string(models.CloseAdmin):        "The operator ended the conversation",
	models.ReasonInactivityTimeout:   "No activity for 30 minutes",
	models.ReasonHeartbeatStale:      "The customer's window stopped responding",
}

// ReasonText returns the operator-facing description of a reason code.
func ReasonText(reason string) string {
	if s, ok := reasonTexts[reason]; ok {
		return s
	}
	return reason
}

// FormatTime renders t in the operator's locale.
func FormatTime(t time.Time) string {
	return t.In(Seoul).Format("2006. 1. 2. 15:04:05")
}

// Format renders ev with the template for its kind.
func Format(ev Event) OutboundMessage {
	short := models.ShortID(ev.SessionID)
	at := FormatTime(ev.At)

	switch ev.Kind {
	case KindMessage, KindAdminReply:
		title, label, from := "🔔 New chat message", "💬 Message", "customer"
		if ev.Kind == KindAdminReply {
			title, label, from = "📤 Operator reply", "💬 Reply", "operator"
		}
		lines := []string{
			"<b>" + title + "</b>",
			"",
			label + ": " + html.EscapeString(ev.Text),
			"👤 From: " + from,
			"🕐 Time: " + at,
			"📱 Chat: <code>" + short + "</code>",
		}
		if ev.Kind == KindMessage {
			lines = append(lines, "", "Reply to this message to answer the customer.")
		}
		return OutboundMessage{
			Text:  fmt.Sprintf("%s\n%s: %s\nChat: %s", title, label, ev.Text, short),
			HTML:  strings.Join(lines, "\n"),
			Event: &FormattedEvent{
				Title:  title,
				Body:   ev.Text,
				Color:  ColorMessage,
				Fields: []Field{
					{Name: "From", Value: from, Short: true},
					{Name: "Chat", Value: short, Short: true},
					{Name: "Time", Value: at, Short: true},
				},
			},
		}
	}

	title := statusTitles[ev.Kind]
	if title == "" {
		title = string(ev.Kind)
	}
	reason := ReasonText(ev.Reason)
	lines := []string{
		"<b>🔔 Chat status changed</b>",
		"",
		"📊 Status: " + title,
		"📝 Reason: " + html.EscapeString(reason),
		"🕐 Time: " + at,
		"💬 Chat: <code>#" + short + "</code>",
	}
	switch ev.Kind {
	case KindActive:
		lines = append(lines, "", "🆕 New customer inquiry!")
	case KindReopened:
		lines = append(lines, "", "📌 Check the previous conversation!")
	}
	return OutboundMessage{
		Text:  fmt.Sprintf("%s\nReason: %s\nChat: #%s", title, reason, short),
		HTML:  strings.Join(lines, "\n"),
		Event: &FormattedEvent{
			Title:  title,
			Body:   reason,
			Color:  statusColors[ev.Kind],
			Fields: []Field{
				{Name: "Chat", Value: "#" + short, Short: true},
				{Name: "Time", Value: at, Short: true},
			},
		},
	}
}
