// Package models defines the chat session data model shared by the store,
// the local cache and the relay.
package models

import (
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusClosed   Status = "closed"
	StatusReopened Status = "reopened"
)

// Valid reports whether s is a known session status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusClosed, StatusReopened:
		return true
	}
	return false
}

// Live reports whether the session is not closed (heartbeat and timers run).
func (s Status) Live() bool {
	return s.Valid() && s != StatusClosed
}

// Sender identifies who wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAdmin    Sender = "admin"
	SenderSystem   Sender = "system"
)

// Actor identifies who closed a session or triggered a transition.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

// CloseReason classifies why a session was closed.
type CloseReason string

const (
	CloseManual       CloseReason = "manual"
	CloseBeforeUnload CloseReason = "beforeunload"
	CloseTimeout      CloseReason = "timeout"
	CloseAdmin        CloseReason = "admin_close"
)

// Valid reports whether r is a known close reason.
func (r CloseReason) Valid() bool {
	switch r {
	case CloseManual, CloseBeforeUnload, CloseTimeout, CloseAdmin:
		return true
	}
	return false
}

// Message types.
const (
	MessageTypeMessage            = "message"
	MessageTypeStatusChange       = "status_change"
	MessageTypeSystemNotification = "system_notification"
)

// History reasons recorded by the session manager.
const (
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonSessionReopened   = "session_reopened"
	ReasonStatusChange      = "status_change"
	ReasonHeartbeatStale    = "heartbeat_stale"
)

// ErrIllegalTransition is returned when a status change is not allowed by
// the session state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions lists every legal from -> to edge. closed -> closed is kept as
// an idempotent re-close.
var transitions = map[Status][]Status{
	StatusActive:   {StatusInactive, StatusClosed},
	StatusInactive: {StatusClosed},
	StatusReopened: {StatusInactive, StatusClosed},
	StatusClosed:   {StatusReopened, StatusClosed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionInfo is the `info` node of a chat session. Timestamps are epoch
// milliseconds as assigned by the store.
type SessionInfo struct {
	UserID       string      `json:"userId"`
	StartTime    int64       `json:"startTime"`
	LastActivity int64       `json:"lastActivity"`
	EndTime      int64       `json:"endTime,omitempty"`
	Status       Status      `json:"status"`
	SessionCount int         `json:"sessionCount"`
	ClosedBy     Actor       `json:"closedBy,omitempty"`
	CloseReason  CloseReason `json:"closeReason,omitempty"`
	UserAgent    string      `json:"userAgent,omitempty"`
}

// Message is a single chat message. Messages are append-only.
type Message struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Sender    Sender `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type,omitempty"`
}

// StatusHistory is one entry of a session's append-only audit trail.
type StatusHistory struct {
	ID          string `json:"id,omitempty"`
	From        Status `json:"from"`
	To          Status `json:"to"`
	Timestamp   int64  `json:"timestamp"`
	Reason      string `json:"reason"`
	TriggeredBy Actor  `json:"triggeredBy"`
}

// Chat is a full session record: info, messages and status history.
type Chat struct {
	ID            string          `json:"id"`
	Info          SessionInfo     `json:"info"`
	Messages      []Message       `json:"messages"`
	StatusHistory []StatusHistory `json:"statusHistory"`
}

// LastMessage returns the most recent message, or false if there is none.
func (c *Chat) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// SortMessages orders messages by timestamp ascending, using the id as a
// stable tiebreak.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// SortHistory orders history entries by timestamp, then id.
func SortHistory(entries []StatusHistory) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].ID < entries[j].ID
	})
}

// ShortID returns the last 8 characters of a session id, as shown to the
// operator.
func ShortID(id string) string {
	if id == "" {
		return "N/A"
	}
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
