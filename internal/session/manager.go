// Package session owns the chat session lifecycle: creation, resumption,
// heartbeat, inactivity timeout, close and the status history audit trail.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/realtime"
)

// ErrNoSession is returned by operations that need a current session.
var ErrNoSession = errors.New("session: no current session")

const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultHeartbeatInterval = time.Minute
	DefaultUnloadTimeout     = 3 * time.Second
)

// Manager drives one client's session. It is safe for concurrent use.
type Manager struct {
	repo      *chat.Repository
	clock     clock.Clock
	logger    *log.Logger
	userAgent string

	inactivityTimeout time.Duration
	heartbeatInterval time.Duration
	unloadTimeout     time.Duration

	mu         sync.Mutex
	id         string
	status     models.Status
	gen        uint64 // bumped on attach and detach; stale timers compare it
	inactivity clock.Timer
	heartbeat  clock.Timer
	unwatch    func()
	onChange   []func(Transition)
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	Repo              *chat.Repository
	Clock             clock.Clock
	Logger            *log.Logger
	UserAgent         string
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	UnloadTimeout     time.Duration
}

// NewManager creates a Manager with no current session.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("session: repo is required")
	}
	m := &Manager{
		repo:              opts.Repo,
		clock:             opts.Clock,
		logger:            opts.Logger,
		userAgent:         opts.UserAgent,
		inactivityTimeout: opts.InactivityTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		unloadTimeout:     opts.UnloadTimeout,
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	if m.inactivityTimeout <= 0 {
		m.inactivityTimeout = DefaultInactivityTimeout
	}
	if m.heartbeatInterval <= 0 {
		m.heartbeatInterval = DefaultHeartbeatInterval
	}
	if m.unloadTimeout <= 0 {
		m.unloadTimeout = DefaultUnloadTimeout
	}
	return m, nil
}

// OnTransition registers fn to be called after every committed transition
// made through this Manager.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// SessionID returns the current session id, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Status returns the last known status of the current session.
func (m *Manager) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Initialize attaches to the session named by the cached pointer, or creates
// a new one. A closed session is reopened; an active, inactive or reopened
// session is resumed unchanged. A pointer the store cannot resolve is
// replaced by a new session.
func (m *Manager) Initialize(ctx context.Context, userID string) (string, error) {
	cached, err := m.repo.Cache().CurrentSessionID(ctx)
	if err != nil {
		m.logger.Printf("session: read cached session id: %v", err)
	}
	if cached != "" {
		info, err := m.resolve(ctx, cached)
		switch {
		case err != nil:
			m.logger.Printf("session: cached session %s unresolved, starting new: %v", models.ShortID(cached), err)
		case info.Status == models.StatusClosed:
			if err := m.Reopen(ctx, cached); err != nil {
				return "", err
			}
			return cached, nil
		case info.Status.Live():
			m.attach(ctx, cached, info.Status)
			return cached, nil
		default:
			m.logger.Printf("session: cached session %s has status %q, starting new", models.ShortID(cached), info.Status)
		}
	}

	id, err := m.repo.CreateSession(ctx, userID, m.userAgent)
	if err != nil {
		return "", fmt.Errorf("session: initialize: %w", err)
	}
	m.setPointer(ctx, id)
	m.attach(ctx, id, models.StatusActive)
	return id, nil
}

// resolve looks up the session a cached pointer names. The store decides:
// when it answers without the session, the session is gone and the cached
// copy is not trusted. The cached copy stands in only while the store is
// unreachable.
func (m *Manager) resolve(ctx context.Context, id string) (models.SessionInfo, error) {
	info, found, err := m.repo.StoreInfo(ctx, id)
	if err != nil {
		info, _, err = m.repo.Info(ctx, id)
		return info, err
	}
	if !found {
		return models.SessionInfo{}, fmt.Errorf("session: %s: %w", models.ShortID(id), chat.ErrNotFound)
	}
	return info, nil
}

// Reopen moves a closed session to reopened, increments its session count
// and attaches to it.
func (m *Manager) Reopen(ctx context.Context, id string) error {
	t, err := apply(ctx, m.repo, m.logger, id, change{
		to:     models.StatusReopened,
		reason: models.ReasonSessionReopened,
		by:     models.ActorCustomer,
		extra: func(info models.SessionInfo) map[string]any {
			n := info.SessionCount
			if n < 1 {
				n = 1
			}
			return map[string]any{
				"sessionCount": n + 1,
				"endTime":      nil,
				"closeReason":  nil,
				"closedBy":     nil,
			}
		},
	})
	if err != nil {
		return err
	}
	m.setPointer(ctx, id)
	m.attach(ctx, id, models.StatusReopened)
	m.emit(t)
	return nil
}

// UpdateStatus transitions the current session to status, closing on behalf
// of the customer when status is closed.
func (m *Manager) UpdateStatus(ctx context.Context, status models.Status, reason string) error {
	c := change{to: status, reason: reason, by: models.ActorCustomer}
	if c.reason == "" {
		c.reason = models.ReasonStatusChange
	}
	if status == models.StatusClosed {
		c.closeReason = models.CloseReason(reason)
		if !c.closeReason.Valid() {
			c.closeReason = models.CloseManual
		}
		c.reason = string(c.closeReason)
	}
	return m.transition(ctx, c)
}

// Close closes the current session. A manual close also forgets the cached
// pointer so the next Initialize starts a new session; any other reason
// leaves the session resumable.
func (m *Manager) Close(ctx context.Context, reason models.CloseReason) error {
	if !reason.Valid() {
		return fmt.Errorf("session: unknown close reason %q", reason)
	}
	if err := m.transition(ctx, closeChange(reason, models.ActorCustomer)); err != nil {
		return err
	}
	if reason == models.CloseManual {
		if err := m.repo.Cache().ClearCurrentSessionID(ctx); err != nil {
			m.logger.Printf("session: clear cached session id: %v", err)
		}
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, c change) error {
	m.mu.Lock()
	id := m.id
	m.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	t, err := apply(ctx, m.repo, m.logger, id, c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.id == id {
		m.status = c.to
		if c.to == models.StatusClosed {
			m.stopTimersLocked()
		}
	}
	m.mu.Unlock()
	m.emit(t)
	return nil
}

// ResetInactivityTimer restarts the inactivity countdown. It is called for
// every customer message.
func (m *Manager) ResetInactivityTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetInactivityLocked()
}

func (m *Manager) resetInactivityLocked() {
	if m.inactivity != nil {
		m.inactivity.Stop()
		m.inactivity = nil
	}
	if m.id == "" || !m.status.Live() {
		return
	}
	gen := m.gen
	m.inactivity = m.clock.AfterFunc(m.inactivityTimeout, func() { m.inactive(gen) })
}

func (m *Manager) inactive(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || (m.status != models.StatusActive && m.status != models.StatusReopened) {
		m.mu.Unlock()
		return
	}
	m.inactivity = nil
	m.mu.Unlock()

	err := m.transition(context.Background(), change{
		to:     models.StatusInactive,
		reason: models.ReasonInactivityTimeout,
		by:     models.ActorSystem,
	})
	if err != nil {
		m.logger.Printf("session: inactivity timeout: %v", err)
	}
}

func (m *Manager) scheduleHeartbeatLocked() {
	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.heartbeatInterval, func() { m.beat(gen) })
}

// beat writes lastActivity for a live session and schedules the next beat.
func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.status.Live() {
		m.mu.Unlock()
		return
	}
	id := m.id
	m.heartbeat = nil
	m.mu.Unlock()

	err := m.repo.UpdateInfo(context.Background(), id, map[string]any{
		"lastActivity": realtime.ServerTimestamp,
	})
	if err != nil {
		m.logger.Printf("session: heartbeat %s: %v", models.ShortID(id), err)
	}

	m.mu.Lock()
	if gen == m.gen && m.status.Live() && m.heartbeat == nil {
		m.scheduleHeartbeatLocked()
	}
	m.mu.Unlock()
}

// attach makes id the current session, starts the heartbeat and inactivity
// timer and follows the session's info so a close made elsewhere (by the
// operator or the stale-session reaper) stops the timers.
func (m *Manager) attach(ctx context.Context, id string, status models.Status) {
	m.mu.Lock()
	m.stopTimersLocked()
	prev := m.unwatch
	m.unwatch = nil
	m.gen++
	gen := m.gen
	m.id = id
	m.status = status
	if status.Live() {
		m.scheduleHeartbeatLocked()
		m.resetInactivityLocked()
	}
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	unwatch := m.repo.WatchInfo(ctx, id, func(info models.SessionInfo) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || info.Status == m.status || !info.Status.Valid() {
			return
		}
		m.status = info.Status
		if info.Status == models.StatusClosed {
			m.stopTimersLocked()
		}
	})

	m.mu.Lock()
	if gen == m.gen {
		m.unwatch = unwatch
		unwatch = nil
	}
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (m *Manager) setPointer(ctx context.Context, id string) {
	if err := m.repo.Cache().SetCurrentSessionID(ctx, id); err != nil {
		m.logger.Printf("session: cache session id: %v", err)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.inactivity != nil {
		m.inactivity.Stop()
		m.inactivity = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// Unload is the best-effort close on client teardown. Timers stop before it
// returns; the beforeunload close is attempted in the background with a short
// deadline. The returned channel is closed once the attempt finishes and may
// be ignored.
func (m *Manager) Unload() <-chan struct{} {
	done := make(chan struct{})
	m.mu.Lock()
	m.stopTimersLocked()
	id := m.id
	m.mu.Unlock()
	if id == "" {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), m.unloadTimeout)
		defer cancel()
		if err := m.Close(ctx, models.CloseBeforeUnload); err != nil {
			m.logger.Printf("session: unload close %s: %v", models.ShortID(id), err)
		}
	}()
	return done
}

// Cleanup stops timers and the info watch. The session itself is untouched.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	m.stopTimersLocked()
	m.gen++
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (m *Manager) emit(t Transition) {
	m.mu.Lock()
	hooks := append([]func(Transition){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(t)
	}
}
