// Package widget is the customer side of a chat: it opens or resumes a
// session, sends customer messages, follows the message list and tells the
// operator about every step.
package widget

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/relay"
	"github.com/diora/switchboard/internal/session"
)

// WelcomeID is the id of the local greeting shown at the top of a new chat.
const WelcomeID = "welcome"

// Update is what a subscriber sees after every change.
type Update struct {
	SessionID string           `json:"sessionId"`
	Status    models.Status    `json:"status"`
	Messages  []models.Message `json:"messages"`
}

// Widget drives one customer's chat. It is safe for concurrent use.
type Widget struct {
	manager *session.Manager
	repo    *chat.Repository
	bridge  *relay.Bridge
	router  *relay.Router
	clock   clock.Clock
	logger  *log.Logger
	metrics *metrics.Metrics
	welcome string

	mu       sync.Mutex
	id       string
	greeting *models.Message
	messages []models.Message
	unwatch  func()
	subs     map[int]func(Update)
	nextSub  int
}

// Opts holds parameters for creating a Widget.
type Opts struct {
	Manager *session.Manager
	Repo    *chat.Repository
	Bridge  *relay.Bridge // optional; nil sends no notifications
	Router  *relay.Router // optional; receives the default designation on Open
	Clock   clock.Clock
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Welcome string // greeting shown when a new session starts; empty for none
}

// New creates a Widget. The manager's transitions are forwarded to the
// operator from here on.
func New(opts Opts) (*Widget, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("widget: manager is required")
	}
	if opts.Repo == nil {
		return nil, fmt.Errorf("widget: repo is required")
	}
	w := &Widget{
		manager: opts.Manager,
		repo:    opts.Repo,
		bridge:  opts.Bridge,
		router:  opts.Router,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		welcome: opts.Welcome,
		subs:    make(map[int]func(Update)),
	}
	if w.clock == nil {
		w.clock = clock.Real{}
	}
	if w.logger == nil {
		w.logger = log.Default()
	}
	w.manager.OnTransition(w.transitioned)
	return w, nil
}

// Open starts a new session or resumes the cached one, designates it as the
// operator's active chat and starts following its messages. It returns the
// session id.
func (w *Widget) Open(ctx context.Context, userID string) (string, error) {
	cached, err := w.repo.Cache().CurrentSessionID(ctx)
	if err != nil {
		w.logger.Printf("widget: read cached session id: %v", err)
	}
	id, err := w.manager.Initialize(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("widget: open: %w", err)
	}
	fresh := id != cached

	if w.router != nil {
		w.router.SetActiveChat(id)
	}

	w.mu.Lock()
	prev := w.unwatch
	w.unwatch = nil
	w.id = id
	w.messages = nil
	w.greeting = nil
	if fresh && w.welcome != "" {
		w.greeting = &models.Message{
			ID:        WelcomeID,
			Text:      w.welcome,
			Sender:    models.SenderAdmin,
			Timestamp: models.Millis(w.clock.Now()),
		}
	}
	w.mu.Unlock()
	if prev != nil {
		prev()
	}

	unwatch := w.repo.WatchMessages(ctx, id, func(msgs []models.Message, _ chat.Source) {
		sorted := append([]models.Message(nil), msgs...)
		models.SortMessages(sorted)
		w.mu.Lock()
		if w.id != id {
			w.mu.Unlock()
			return
		}
		w.messages = sorted
		w.mu.Unlock()
		w.publish()
	})
	w.mu.Lock()
	if w.id == id && w.unwatch == nil {
		w.unwatch = unwatch
		unwatch = nil
	}
	w.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	if fresh {
		w.notify(ctx, relay.Event{Kind: relay.KindActive, SessionID: id, Reason: relay.ReasonSessionStart})
	}
	w.publish()
	return id, nil
}

// Send appends a customer message to the current session. A session closed
// by timeout, unload or the operator is reopened first.
func (w *Widget) Send(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("widget: message is empty")
	}
	id := w.SessionID()
	if id == "" {
		return models.Message{}, session.ErrNoSession
	}
	if w.manager.Status() == models.StatusClosed {
		if err := w.manager.Reopen(ctx, id); err != nil {
			return models.Message{}, fmt.Errorf("widget: send: %w", err)
		}
	}
	stored, err := w.repo.AppendMessage(ctx, id, models.Message{
		Text:   text,
		Sender: models.SenderCustomer,
		Type:   models.MessageTypeMessage,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("widget: send: %w", err)
	}
	w.manager.ResetInactivityTimer()
	w.notify(ctx, relay.Event{Kind: relay.KindMessage, SessionID: id, Text: text})
	return stored, nil
}

// End closes the current session at the customer's request and detaches
// from it. A manually ended session is never reopened by this widget; the
// next Open starts a new one.
func (w *Widget) End(ctx context.Context) error {
	if w.SessionID() == "" {
		return session.ErrNoSession
	}
	if err := w.manager.Close(ctx, models.CloseManual); err != nil {
		return fmt.Errorf("widget: end: %w", err)
	}
	w.mu.Lock()
	unwatch := w.unwatch
	w.unwatch = nil
	w.id = ""
	w.messages = nil
	w.greeting = nil
	w.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	w.publish()
	return nil
}

// Unload is the page-teardown beacon. It returns at once; the close and its
// notification happen in the background and the returned channel is closed
// when they are done.
func (w *Widget) Unload() <-chan struct{} {
	if w.SessionID() == "" {
		done := make(chan struct{})
		close(done)
		return done
	}
	return w.manager.Unload()
}

// SessionID returns the open session's id, or "".
func (w *Widget) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Status returns the open session's last known status.
func (w *Widget) Status() models.Status {
	return w.manager.Status()
}

// Messages returns the latest message snapshot, oldest first, with the
// greeting in front for a session started by this widget.
func (w *Widget) Messages() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Widget) snapshotLocked() []models.Message {
	out := make([]models.Message, 0, len(w.messages)+1)
	if w.greeting != nil {
		out = append(out, *w.greeting)
	}
	return append(out, w.messages...)
}

// History returns the stored messages of session id, oldest first, for a
// "continue the previous conversation?" prompt. Only the widget's open
// session or the one its cache points at can be read; any other id is
// reported as not found.
func (w *Widget) History(ctx context.Context, id string) ([]models.Message, error) {
	if !w.owns(ctx, id) {
		return nil, fmt.Errorf("widget: history %s: %w", id, chat.ErrNotFound)
	}
	c, _, err := w.repo.Chat(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("widget: history %s: %w", id, err)
	}
	msgs := append([]models.Message(nil), c.Messages...)
	models.SortMessages(msgs)
	return msgs, nil
}

func (w *Widget) owns(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if id == w.SessionID() {
		return true
	}
	cached, err := w.repo.Cache().CurrentSessionID(ctx)
	if err != nil {
		w.logger.Printf("widget: read cached session id: %v", err)
	}
	return cached == id
}

// Subscribe calls fn after every message or status change until the
// returned cancel func is called.
func (w *Widget) Subscribe(fn func(Update)) func() {
	w.mu.Lock()
	n := w.nextSub
	w.nextSub++
	w.subs[n] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, n)
		w.mu.Unlock()
	}
}

// Close stops following messages and the session timers. The session itself
// is left as it is.
func (w *Widget) Close() {
	w.mu.Lock()
	unwatch := w.unwatch
	w.unwatch = nil
	w.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	w.manager.Cleanup()
}

func (w *Widget) publish() {
	w.mu.Lock()
	u := Update{SessionID: w.id, Messages: w.snapshotLocked()}
	subs := make([]func(Update), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()
	u.Status = w.manager.Status()
	for _, fn := range subs {
		fn(u)
	}
}

// transitioned forwards the manager's status changes to the operator.
func (w *Widget) transitioned(t session.Transition) {
	w.metrics.Transition(string(t.From), string(t.To), string(t.TriggeredBy))
	ev := relay.Event{SessionID: t.SessionID, Reason: t.Reason}
	switch t.To {
	case models.StatusReopened:
		ev.Kind, ev.Reason = relay.KindReopened, relay.ReasonSessionContinue
	case models.StatusInactive:
		ev.Kind = relay.KindInactive
	case models.StatusClosed:
		if t.From == models.StatusClosed {
			return
		}
		ev.Kind = relay.KindClosed
	default:
		return
	}
	w.notify(context.Background(), ev)
	w.publish()
}

func (w *Widget) notify(ctx context.Context, ev relay.Event) {
	if w.bridge == nil {
		return
	}
	w.bridge.Send(ctx, ev)
}
