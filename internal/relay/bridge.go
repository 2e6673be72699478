package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/models"
)

// sendTimeout bounds one notification delivery.
const sendTimeout = 10 * time.Second

// Bridge sends session notifications to the operator. Send never fails and
// never blocks on the network: each notification is delivered from its own
// goroutine, paced by a token bucket so a burst of customer messages cannot
// exceed the platform's rate limit.
type Bridge struct {
	adapter Adapter
	router  *Router
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *log.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Adapter Adapter // nil leaves the bridge unconfigured; every Send is a logged no-op
	Router  *Router // optional; receives notification refs for reply routing
	Rate    rate.Limit
	Burst   int
	Clock   clock.Clock
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// NewBridge creates a Bridge. A zero Rate means unlimited.
func NewBridge(opts BridgeOpts) *Bridge {
	b := &Bridge{
		adapter: opts.Adapter,
		router:  opts.Router,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if b.clock == nil {
		b.clock = clock.Real{}
	}
	if b.logger == nil {
		b.logger = log.Default()
	}
	limit, burst := opts.Rate, opts.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	b.limiter = rate.NewLimiter(limit, burst)
	return b
}

// Configured reports whether notifications go anywhere.
func (b *Bridge) Configured() bool {
	return b.adapter != nil
}

// Send queues ev for delivery and returns immediately. Failures are logged.
func (b *Bridge) Send(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	if b.adapter == nil {
		b.logger.Printf("relay: operator channel not configured, %s notification for %s skipped", ev.Kind, models.ShortID(ev.SessionID))
		b.metrics.Notification(string(ev.Kind), "skipped")
		return
	}
	msg := Format(ev)
	ctx = context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := b.limiter.Wait(ctx); err != nil {
			b.logger.Printf("relay: %s notification for %s dropped: %v", ev.Kind, models.ShortID(ev.SessionID), err)
			b.metrics.Notification(string(ev.Kind), "failed")
			return
		}
		ref, err := b.adapter.Send(ctx, msg)
		if err != nil {
			b.logger.Printf("relay: send %s notification for %s: %v", ev.Kind, models.ShortID(ev.SessionID), err)
			b.metrics.Notification(string(ev.Kind), "failed")
			return
		}
		b.metrics.Notification(string(ev.Kind), "sent")
		if b.router != nil {
			b.router.Remember(ref, ev.SessionID)
		}
	}()
}

// Wait blocks until every queued notification has been attempted.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
