package dashboard

import (
	"time"

	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/session"
)

// ChatRow holds one session for the admin chat list.
type ChatRow struct {
	ID           string             `json:"id"`
	ShortID      string             `json:"shortId"`
	UserID       string             `json:"userId"`
	Status       models.Status      `json:"status"`
	SessionCount int                `json:"sessionCount"`
	StartTime    int64              `json:"startTime"`
	LastActivity int64              `json:"lastActivity"`
	CloseReason  models.CloseReason `json:"closeReason,omitempty"`
	Messages     int                `json:"messages"`
	LastMessage  string             `json:"lastMessage,omitempty"`
	LastSender   models.Sender      `json:"lastSender,omitempty"`
	Stale        bool               `json:"stale"`
}

// ChatSummary builds list rows for chats, keeping their order. A live
// session whose last activity is older than staleAfter is flagged stale.
func ChatSummary(chats []models.Chat, now time.Time, staleAfter time.Duration) []ChatRow {
	rows := make([]ChatRow, len(chats))
	for i, c := range chats {
		rows[i] = ChatRow{
			ID:           c.ID,
			ShortID:      models.ShortID(c.ID),
			UserID:       c.Info.UserID,
			Status:       c.Info.Status,
			SessionCount: c.Info.SessionCount,
			StartTime:    c.Info.StartTime,
			LastActivity: c.Info.LastActivity,
			CloseReason:  c.Info.CloseReason,
			Messages:     len(c.Messages),
			Stale:        session.Stale(c.Info, now, staleAfter),
		}
		if last, ok := c.LastMessage(); ok {
			rows[i].LastMessage = last.Text
			rows[i].LastSender = last.Sender
		}
	}
	return rows
}

// CountByStatus returns how many chats are in each status.
func CountByStatus(chats []models.Chat) map[models.Status]int {
	counts := make(map[models.Status]int)
	for _, c := range chats {
		counts[c.Info.Status]++
	}
	return counts
}
