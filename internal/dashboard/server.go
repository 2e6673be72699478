// Package dashboard serves the HTTP surface: the widget API used by the chat
// page, the operator's admin API, the Telegram webhook, health and metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/relay"
	"github.com/diora/switchboard/internal/session"
	"github.com/diora/switchboard/internal/widget"
)

const (
	DefaultClientTTL  = time.Hour
	DefaultMaxClients = 1024
)

// Opts holds configuration for the dashboard server.
type Opts struct {
	Repo   *chat.Repository
	Relay  *relay.Relay
	Router *relay.Router
	// NewWidget builds the widget for a client seen for the first time. Each
	// client needs its own session pointer, so implementations give every
	// widget its own cache.
	NewWidget  func(clientKey string) (*widget.Widget, error)
	Webhook    gin.HandlerFunc // optional; mounted at POST /webhook/telegram
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *log.Logger
	ClientTTL  time.Duration
	MaxClients int
	StaleAfter time.Duration
	AdminToken string // empty leaves the admin API open
}

// Server is the HTTP surface. Widget clients are kept in an expiring LRU
// keyed by their client key; an evicted client's timers are stopped and its
// session is left for the reaper.
type Server struct {
	repo       *chat.Repository
	relay      *relay.Relay
	router     *relay.Router
	newWidget  func(string) (*widget.Widget, error)
	webhook    gin.HandlerFunc
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *log.Logger
	staleAfter time.Duration
	adminToken string

	clients *expirable.LRU[string, *widget.Widget]
	engine  *gin.Engine
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("dashboard: repo is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("dashboard: relay is required")
	}
	if opts.NewWidget == nil {
		return nil, fmt.Errorf("dashboard: widget factory is required")
	}
	s := &Server{
		repo:       opts.Repo,
		relay:      opts.Relay,
		router:     opts.Router,
		newWidget:  opts.NewWidget,
		webhook:    opts.Webhook,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
		adminToken: opts.AdminToken,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.staleAfter <= 0 {
		s.staleAfter = session.DefaultStaleAfter
	}
	ttl, size := opts.ClientTTL, opts.MaxClients
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	if size <= 0 {
		size = DefaultMaxClients
	}
	// Runs under the LRU's lock; must not call back into s.clients.
	onEvict := func(key string, w *widget.Widget) {
		w.Close()
	}
	s.clients = expirable.NewLRU[string, *widget.Widget](size, onEvict, ttl)

	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.engine = router
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close stops every client's timers. Sessions are left as they are.
func (s *Server) Close() {
	s.clients.Purge()
	s.metrics.Clients(0)
}

// Start serves on addr. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string, out io.Writer) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	if out != nil {
		fmt.Fprintf(out, "Switchboard listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	<-stopped
	return nil
}
