package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diora/switchboard/internal/relay/telegram"
)

func newRelayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the operator relay without the HTTP server",
		Long: `Connects to the configured operator channel, stores operator replies in
their sessions and closes stale sessions on the reap schedule. Webhook mode
needs the HTTP server; use "sb serve" for it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runRelay(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Relay.Channel == "telegram" && cfg.Relay.Mode == telegram.ModeWebhook {
		return fmt.Errorf("relay: relay.mode webhook needs the HTTP server (run sb serve)")
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
	if adapter == nil {
		return fmt.Errorf("relay: no credentials for channel %q", cfg.Relay.Channel)
	}
	rs, err := a.newRelayStack(adapter)
	if err != nil {
		return err
	}
	defer rs.bridge.Wait()

	if cfg.Relay.AutoDesignate {
		stop := rs.router.WatchRecent(ctx, a.repo, a.clock, cfg.Relay.RecentWindow)
		defer stop()
	}
	if err := a.startReaper(ctx, rs.bridge); err != nil {
		return err
	}

	fmt.Fprintf(out, "Relaying sessions to %s (Ctrl-C to stop)\n", cfg.Relay.Channel)
	return rs.relay.Run(ctx)
}
