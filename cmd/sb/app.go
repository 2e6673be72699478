package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/diora/switchboard/internal/cache"
	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/config"
	"github.com/diora/switchboard/internal/db"
	"github.com/diora/switchboard/internal/metrics"
	"github.com/diora/switchboard/internal/realtime"
	"github.com/diora/switchboard/internal/realtime/sqlstore"
	"github.com/diora/switchboard/internal/relay"
	"github.com/diora/switchboard/internal/relay/discord"
	slackadapter "github.com/diora/switchboard/internal/relay/slack"
	"github.com/diora/switchboard/internal/relay/telegram"
)

// loadConfig reads the config file. A missing file at the default path
// falls back to the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// app holds the storage stack shared by every command.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	sql     *gorm.DB
	store   realtime.Store
	kv      cache.KV
	repo    *chat.Repository

	closers []func() error
}

// openApp connects the realtime store and the local cache named by cfg. SQL
// stores are migrated and polled for other processes' writes until ctx ends
// or the app is closed.
func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  log.New(logOut, "", log.LstdFlags),
		clock:   clock.Real{},
		metrics: metrics.MustNew(prometheus.NewRegistry()),
	}

	switch cfg.Store.Driver {
	case "memory":
		a.store = realtime.NewMemory(realtime.MemoryOpts{Clock: a.clock})
	default:
		gormDB, err := db.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		a.sql = gormDB
		a.closers = append(a.closers, func() error { return db.Close(gormDB) })
		if err := db.AutoMigrate(gormDB); err != nil {
			a.Close()
			return nil, err
		}
		st, err := sqlstore.New(sqlstore.Opts{DB: gormDB, Clock: a.clock, Logger: a.logger})
		if err != nil {
			a.Close()
			return nil, err
		}
		watchCtx, stop := context.WithCancel(ctx)
		a.closers = append(a.closers, func() error { stop(); return nil })
		go st.Watch(watchCtx, cfg.Store.WatchInterval)
		a.store = st
	}

	switch cfg.Cache.Backend {
	case "sql":
		kv, err := cache.NewGormKV(a.sql, cfg.Cache.Namespace)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = kv
	case "pebble":
		kv, err := cache.OpenPebbleKV(cfg.Cache.Dir, cfg.Cache.Namespace)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = kv
		a.closers = append(a.closers, kv.Close)
	default:
		a.kv = cache.NewMemoryKV()
	}

	c, err := cache.New(cache.Opts{KV: a.kv, Clock: a.clock})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo, err = chat.New(chat.Opts{Store: a.store, Cache: c, Logger: a.logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store and cache in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Printf("sb: close: %v", err)
		}
	}
	a.closers = nil
}

// newAdapter builds the operator channel adapter named by relay.channel.
// Missing credentials return a nil adapter: notifications become logged
// no-ops and no replies are read.
func (a *app) newAdapter() (relay.Adapter, error) {
	cfg := a.cfg
	switch cfg.Relay.Channel {
	case "telegram":
		if !cfg.TelegramConfigured() {
			a.logger.Printf("sb: TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set, operator relay disabled")
			return nil, nil
		}
		return telegram.New(telegram.AdapterOpts{
			Token:        cfg.Telegram.BotToken,
			ChatID:       cfg.Telegram.ChatID,
			APIBase:      cfg.Telegram.APIBase,
			Mode:         cfg.Relay.Mode,
			PollInterval: cfg.Telegram.PollInterval,
			PollLimit:    cfg.Telegram.PollLimit,
			Logger:       a.logger,
			Metrics:      a.metrics,
		})
	case "slack":
		if cfg.Slack.BotToken == "" || cfg.Slack.AppToken == "" {
			a.logger.Printf("sb: SLACK_BOT_TOKEN or SLACK_APP_TOKEN not set, operator relay disabled")
			return nil, nil
		}
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
			Logger:    a.logger,
		})
	case "discord":
		if cfg.Discord.BotToken == "" {
			a.logger.Printf("sb: DISCORD_BOT_TOKEN not set, operator relay disabled")
			return nil, nil
		}
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
			Logger:    a.logger,
		})
	default:
		return nil, fmt.Errorf("sb: unsupported relay channel %q", cfg.Relay.Channel)
	}
}

// relayStack is the operator side: routing, notifications and replies.
type relayStack struct {
	adapter relay.Adapter
	router  *relay.Router
	bridge  *relay.Bridge
	relay   *relay.Relay
}

func (a *app) newRelayStack(adapter relay.Adapter) (*relayStack, error) {
	router, err := relay.NewRouter(relay.RouterOpts{ReplyRefs: a.cfg.Relay.ReplyRefs, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	bridge := relay.NewBridge(relay.BridgeOpts{
		Adapter: adapter,
		Router:  router,
		Rate:    rate.Limit(a.cfg.Relay.RateLimit),
		Burst:   a.cfg.Relay.RateBurst,
		Clock:   a.clock,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	r, err := relay.New(relay.Opts{
		Repo:    a.repo,
		Router:  router,
		Bridge:  bridge,
		Adapter: adapter,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return &relayStack{adapter: adapter, router: router, bridge: bridge, relay: r}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
