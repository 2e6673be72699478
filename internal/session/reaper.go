package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
)

// DefaultStaleAfter is how long a live session may go without a heartbeat
// before the reaper closes it.
const DefaultStaleAfter = 5 * time.Minute

// DefaultReapSchedule runs a sweep every minute.
const DefaultReapSchedule = "@every 1m"

// Reaper closes sessions whose client stopped sending heartbeats without
// managing to send its unload close.
type Reaper struct {
	repo       *chat.Repository
	clock      clock.Clock
	logger     *log.Logger
	staleAfter time.Duration
	schedule   string
	onClose    func(Transition)
}

// ReaperOpts holds parameters for creating a Reaper.
type ReaperOpts struct {
	Repo       *chat.Repository
	Clock      clock.Clock
	Logger     *log.Logger
	StaleAfter time.Duration
	Schedule   string // robfig/cron spec; descriptors like "@every 1m" allowed
	OnClose    func(Transition)
}

// NewReaper creates a Reaper.
func NewReaper(opts ReaperOpts) (*Reaper, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("session: repo is required")
	}
	r := &Reaper{
		repo:       opts.Repo,
		clock:      opts.Clock,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
		schedule:   opts.Schedule,
		onClose:    opts.OnClose,
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.staleAfter <= 0 {
		r.staleAfter = DefaultStaleAfter
	}
	if r.schedule == "" {
		r.schedule = DefaultReapSchedule
	}
	return r, nil
}

// Stale reports whether info belongs to a live session whose last activity
// is older than staleAfter at now.
func Stale(info models.SessionInfo, now time.Time, staleAfter time.Duration) bool {
	if !info.Status.Live() || info.LastActivity == 0 {
		return false
	}
	return now.Sub(models.FromMillis(info.LastActivity)) > staleAfter
}

// Sweep closes every stale session once and returns how many it closed.
// Sessions only known from the local cache are never touched.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	chats, src, err := r.repo.Chats(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	if src != chat.SourceStore {
		r.logger.Printf("session: sweep skipped, store unavailable")
		return 0, nil
	}
	now := r.clock.Now()
	closed := 0
	for _, c := range chats {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if !Stale(c.Info, now, r.staleAfter) {
			continue
		}
		t, err := apply(ctx, r.repo, r.logger, c.ID, closeChange(models.CloseTimeout, models.ActorSystem))
		if err != nil {
			r.logger.Printf("session: reap %s: %v", models.ShortID(c.ID), err)
			continue
		}
		closed++
		r.logger.Printf("session: reaped %s (idle %s)", models.ShortID(c.ID), now.Sub(models.FromMillis(c.Info.LastActivity)).Round(time.Second))
		if r.onClose != nil {
			r.onClose(t)
		}
	}
	return closed, nil
}

// Start runs Sweep on the configured schedule until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("session: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("session: reap schedule %q: %w", r.schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
