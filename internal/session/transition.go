package session

import (
	"context"
	"fmt"
	"log"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/realtime"
)

// Transition describes a committed status change.
type Transition struct {
	SessionID   string
	From        models.Status
	To          models.Status
	Reason      string
	TriggeredBy models.Actor
	Info        models.SessionInfo // info after the change, as read back from the store
}

// closeNotices are the system messages appended when a session closes.
var closeNotices = map[models.CloseReason]string{
	models.CloseManual:       "The conversation has ended. Thank you.",
	models.CloseBeforeUnload: "The conversation ended because the window was closed.",
	models.CloseTimeout:      "The conversation was closed automatically after a period of inactivity.",
	models.CloseAdmin:        "The operator has ended the conversation.",
}

// statusNotices are the system messages for transitions other than close.
var statusNotices = map[models.Status]string{
	models.StatusInactive: "The conversation is now inactive. Send a message to continue.",
	models.StatusReopened: "Continuing your previous conversation.",
}

// change is one requested transition.
type change struct {
	to          models.Status
	reason      string
	closeReason models.CloseReason
	by          models.Actor
	extra       func(info models.SessionInfo) map[string]any
}

func (c change) notice() string {
	if c.to == models.StatusClosed {
		return closeNotices[c.closeReason]
	}
	return statusNotices[c.to]
}

// apply performs one transition of session id: the status fields are written
// in a single atomic update, then the history entry and system message are
// appended best-effort. A failed history or message append is logged and
// does not undo the status change. Re-closing a closed session rewrites the
// closed fields without new history.
func apply(ctx context.Context, repo *chat.Repository, logger *log.Logger, id string, c change) (Transition, error) {
	info, _, err := repo.Info(ctx, id)
	if err != nil {
		return Transition{}, fmt.Errorf("session: read %s: %w", id, err)
	}
	from := info.Status
	if !models.CanTransition(from, c.to) {
		return Transition{}, fmt.Errorf("session: %s %s -> %s: %w", id, from, c.to, models.ErrIllegalTransition)
	}

	fields := map[string]any{
		"status":       c.to,
		"lastActivity": realtime.ServerTimestamp,
	}
	if c.to == models.StatusClosed {
		fields["endTime"] = realtime.ServerTimestamp
		fields["closeReason"] = c.closeReason
		fields["closedBy"] = c.by
	}
	if c.extra != nil {
		for k, v := range c.extra(info) {
			fields[k] = v
		}
	}
	if err := repo.UpdateInfo(ctx, id, fields); err != nil {
		return Transition{}, fmt.Errorf("session: %s -> %s: %w", from, c.to, err)
	}

	t := Transition{SessionID: id, From: from, To: c.to, Reason: c.reason, TriggeredBy: c.by}
	if after, _, err := repo.Info(ctx, id); err == nil {
		t.Info = after
	}
	if from == c.to {
		return t, nil
	}

	_, err = repo.AppendHistory(ctx, id, models.StatusHistory{
		From:        from,
		To:          c.to,
		Reason:      c.reason,
		TriggeredBy: c.by,
	})
	if err != nil {
		logger.Printf("session: history for %s %s -> %s: %v", models.ShortID(id), from, c.to, err)
	}
	if text := c.notice(); text != "" {
		_, err = repo.AppendMessage(ctx, id, models.Message{
			Text:   text,
			Sender: models.SenderSystem,
			Type:   models.MessageTypeSystemNotification,
		})
		if err != nil {
			logger.Printf("session: system message for %s: %v", models.ShortID(id), err)
		}
	}
	return t, nil
}

func closeChange(reason models.CloseReason, by models.Actor) change {
	return change{to: models.StatusClosed, reason: string(reason), closeReason: reason, by: by}
}

// CloseByAdmin closes session id on behalf of the operator.
func CloseByAdmin(ctx context.Context, repo *chat.Repository, logger *log.Logger, id string) (Transition, error) {
	if logger == nil {
		logger = log.Default()
	}
	return apply(ctx, repo, logger, id, closeChange(models.CloseAdmin, models.ActorAdmin))
}
