package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/diora/switchboard/internal/cache"
	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/dashboard"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/relay"
	"github.com/diora/switchboard/internal/relay/telegram"
	"github.com/diora/switchboard/internal/session"
	"github.com/diora/switchboard/internal/widget"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API, admin API and operator relay",
		Long: `Serves the widget and admin HTTP APIs, relays sessions to the configured
operator channel and closes stale sessions on the reap schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	out := cmd.OutOrStdout()

	ctx, cancel := signalContext(out)
	defer cancel()

	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	adapter, err := a.newAdapter()
	if err != nil {
		return err
	}
	rs, err := a.newRelayStack(adapter)
	if err != nil {
		return err
	}

	var webhook gin.HandlerFunc
	if tg, ok := adapter.(*telegram.Adapter); ok && cfg.Relay.Mode == telegram.ModeWebhook {
		wh, err := telegram.NewWebhook(telegram.WebhookOpts{
			ChatID: cfg.Telegram.ChatID,
			Secret: cfg.Telegram.WebhookSecret,
			Handle: tg.Deliver,
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		webhook = wh.Handler()
	}

	if adapter != nil {
		go func() {
			if err := rs.relay.Run(ctx); err != nil {
				a.logger.Printf("sb: relay: %v", err)
			}
		}()
	}
	if cfg.Relay.AutoDesignate {
		stop := rs.router.WatchRecent(ctx, a.repo, a.clock, cfg.Relay.RecentWindow)
		defer stop()
	}
	if err := a.startReaper(ctx, rs.bridge); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := dashboard.New(dashboard.Opts{
		Repo:       a.repo,
		Relay:      rs.relay,
		Router:     rs.router,
		NewWidget:  a.widgetFactory(rs),
		Webhook:    webhook,
		Metrics:    a.metrics,
		Clock:      a.clock,
		Logger:     a.logger,
		ClientTTL:  cfg.Server.ClientTTL,
		MaxClients: cfg.Server.MaxClients,
		StaleAfter: cfg.Session.StaleAfter,
		AdminToken: cfg.Server.AdminToken,
	})
	if err != nil {
		return err
	}
	defer rs.bridge.Wait()
	return srv.Start(ctx, addr, out)
}

// widgetFactory builds one widget per HTTP client. Each client's cache is a
// view of the configured cache backend under "client/<key>/", so its session
// pointer survives the widget being evicted and rebuilt; the store is shared.
func (a *app) widgetFactory(rs *relayStack) func(string) (*widget.Widget, error) {
	return func(clientKey string) (*widget.Widget, error) {
		c, err := cache.New(cache.Opts{KV: cache.Prefix(a.kv, clientCachePrefix(clientKey)), Clock: a.clock})
		if err != nil {
			return nil, err
		}
		repo, err := chat.New(chat.Opts{Store: a.store, Cache: c, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		return a.newWidget(repo, rs, "web/"+clientKey)
	}
}

func clientCachePrefix(clientKey string) string {
	return "client/" + clientKey + "/"
}

func (a *app) newWidget(repo *chat.Repository, rs *relayStack, userAgent string) (*widget.Widget, error) {
	m, err := session.NewManager(session.Opts{
		Repo:              repo,
		Clock:             a.clock,
		Logger:            a.logger,
		UserAgent:         userAgent,
		InactivityTimeout: a.cfg.Session.InactivityTimeout,
		HeartbeatInterval: a.cfg.Session.HeartbeatInterval,
		UnloadTimeout:     a.cfg.Session.UnloadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return widget.New(widget.Opts{
		Manager: m,
		Repo:    repo,
		Bridge:  rs.bridge,
		Router:  rs.router,
		Clock:   a.clock,
		Logger:  a.logger,
		Metrics: a.metrics,
		Welcome: a.cfg.Server.Welcome,
	})
}

// startReaper closes stale sessions on the configured schedule and tells
// the operator about each one.
func (a *app) startReaper(ctx context.Context, bridge *relay.Bridge) error {
	reaper, err := session.NewReaper(session.ReaperOpts{
		Repo:       a.repo,
		Clock:      a.clock,
		Logger:     a.logger,
		StaleAfter: a.cfg.Session.StaleAfter,
		Schedule:   a.cfg.Session.ReapSchedule,
		OnClose: func(t session.Transition) {
			a.metrics.Reaped()
			a.metrics.Transition(string(t.From), string(t.To), string(t.TriggeredBy))
			bridge.Send(ctx, relay.Event{Kind: relay.KindClosed, SessionID: t.SessionID, Reason: string(models.CloseTimeout)})
		},
	})
	if err != nil {
		return err
	}
	return reaper.Start(ctx)
}
