package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/diora/switchboard/internal/models"
)

var testAt = time.Date(2024, 1, 15, 6, 4, 5, 0, time.UTC)

func TestFormatTime_Seoul(t *testing.T) {
	if got := FormatTime(testAt); got != "2024. 1. 15. 15:04:05" {
		t.Errorf("FormatTime = %q", got)
	}
}

func TestFormat_CustomerMessage(t *testing.T) {
	out := Format(Event{
		Kind:      KindMessage,
		SessionID: "-NabcdefghijKLMNOPQR",
		Text:      "price for <b>500</b> units?",
		At:        testAt,
	})
	for _, want := range []string{
		"New chat message",
		"price for &lt;b&gt;500&lt;/b&gt; units?",
		"From: customer",
		"2024. 1. 15. 15:04:05",
		"<code>KLMNOPQR</code>",
	} {
		if !strings.Contains(out.HTML, want) {
			t.Errorf("HTML missing %q:\n%s", want, out.HTML)
		}
	}
	if strings.Contains(out.HTML, "-Nabcdefghij") {
		t.Error("HTML shows more than the last 8 characters of the id")
	}
	if out.Event == nil || out.Event.Body != "price for <b>500</b> units?" {
		t.Errorf("event = %+v", out.Event)
	}
	if !strings.Contains(out.Text, "KLMNOPQR") {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestFormat_AdminReply(t *testing.T) {
	out := Format(Event{Kind: KindAdminReply, SessionID: "abc", Text: "on its way", At: testAt})
	if !strings.Contains(out.HTML, "Operator reply") || !strings.Contains(out.HTML, "From: operator") {
		t.Errorf("HTML = %s", out.HTML)
	}
	if strings.Contains(out.HTML, "Reply to this message") {
		t.Error("admin reply echo should not invite a reply")
	}
}

func TestFormat_StatusTemplates(t *testing.T) {
	tests := []struct {
		kind   Kind
		reason string
		want   []string
	}{
		{KindActive, ReasonSessionStart, []string{"New conversation", "A new customer started", "New customer inquiry"}},
		{KindInactive, models.ReasonInactivityTimeout, []string{"Conversation inactive", "No activity for 30 minutes"}},
		{KindClosed, string(models.CloseBeforeUnload), []string{"Conversation ended", "closed the browser window"}},
		{KindClosed, string(models.CloseAdmin), []string{"The operator ended the conversation"}},
		{KindReopened, models.ReasonSessionReopened, []string{"Conversation resumed", "Check the previous conversation"}},
		{KindClosed, "mystery", []string{"Reason: mystery"}},
	}
	for _, tt := range tests {
		out := Format(Event{Kind: tt.kind, SessionID: "-N0000000012345678", Reason: tt.reason, At: testAt})
		for _, want := range tt.want {
			if !strings.Contains(out.HTML, want) {
				t.Errorf("%s/%s: HTML missing %q:\n%s", tt.kind, tt.reason, want, out.HTML)
			}
		}
		if !strings.Contains(out.HTML, "#12345678") {
			t.Errorf("%s: HTML missing short id", tt.kind)
		}
		if out.Event == nil || out.Event.Color != statusColors[tt.kind] {
			t.Errorf("%s: event = %+v", tt.kind, out.Event)
		}
	}
}

func TestFormat_MissingSessionID(t *testing.T) {
	out := Format(Event{Kind: KindMessage, Text: "hi", At: testAt})
	if !strings.Contains(out.HTML, "N/A") {
		t.Errorf("HTML = %s", out.HTML)
	}
}

func TestStatusKind(t *testing.T) {
	tests := map[models.Status]Kind{
		models.StatusActive:   KindActive,
		models.StatusInactive: KindInactive,
		models.StatusClosed:   KindClosed,
		models.StatusReopened: KindReopened,
	}
	for s, want := range tests {
		if got := StatusKind(s); got != want {
			t.Errorf("StatusKind(%s) = %s, want %s", s, got, want)
		}
	}
}
