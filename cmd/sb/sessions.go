package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/dashboard"
	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Inspect and close chat sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsCloseCmd())
	cmd.AddCommand(newSessionsReapCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chat sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openCmdApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			chats, src, err := a.repo.Chats(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				chats = liveOnly(chats)
			}
			rows := dashboard.ChatSummary(chats, a.clock.Now(), a.cfg.Session.StaleAfter)
			writeSessionTable(cmd.OutOrStdout(), rows, src)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed sessions")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session's messages and status history",
		Long:  "Shows one session. <id> may be the full id or its last few characters.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openCmdApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			chats, _, err := a.repo.Chats(ctx)
			if err != nil {
				return err
			}
			id, err := matchSession(chats, args[0])
			if err != nil {
				return err
			}
			c, src, err := a.repo.Chat(ctx, id)
			if err != nil {
				return err
			}
			writeSession(cmd.OutOrStdout(), c, src)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newSessionsCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session on the operator's behalf",
		Long:  "Closes one session as the operator and notifies the operator channel.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openCmdApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			chats, _, err := a.repo.Chats(ctx)
			if err != nil {
				return err
			}
			id, err := matchSession(chats, args[0])
			if err != nil {
				return err
			}
			adapter, err := a.newAdapter()
			if err != nil {
				return err
			}
			rs, err := a.newRelayStack(adapter)
			if err != nil {
				return err
			}
			if adapter != nil {
				if err := adapter.Connect(ctx); err != nil {
					a.logger.Printf("sb: connect %s: %v", a.cfg.Relay.Channel, err)
				}
				defer adapter.Close()
			}
			t, err := rs.relay.CloseChat(ctx, id)
			rs.bridge.Wait()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if t.From == t.To {
				fmt.Fprintf(out, "Session %s was already closed\n", models.ShortID(id))
				return nil
			}
			fmt.Fprintf(out, "Closed session %s (%s -> %s)\n", models.ShortID(id), t.From, t.To)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newSessionsReapCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Close stale sessions once",
		Long:  "Closes every live session whose heartbeat is older than session.stale_after.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openCmdApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reaper, err := session.NewReaper(session.ReaperOpts{
				Repo:       a.repo,
				Clock:      a.clock,
				Logger:     a.logger,
				StaleAfter: a.cfg.Session.StaleAfter,
				Schedule:   a.cfg.Session.ReapSchedule,
			})
			if err != nil {
				return err
			}
			n, err := reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d stale sessions\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func openCmdApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openApp(cmd.Context(), cfg, cmd.ErrOrStderr())
}

func liveOnly(chats []models.Chat) []models.Chat {
	var live []models.Chat
	for _, c := range chats {
		if c.Info.Status.Live() {
			live = append(live, c)
		}
	}
	return live
}

// matchSession finds the session whose id is arg or ends with it.
func matchSession(chats []models.Chat, arg string) (string, error) {
	arg = strings.TrimPrefix(arg, "#")
	var found []string
	for _, c := range chats {
		if c.ID == arg {
			return c.ID, nil
		}
		if strings.HasSuffix(c.ID, arg) {
			found = append(found, c.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no session matches %q", arg)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%d sessions end in %q; use more characters", len(found), arg)
	}
}

func writeSessionTable(out io.Writer, rows []dashboard.ChatRow, src chat.Source) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTATUS\tCOUNT\tMSGS\tLAST ACTIVITY\tLAST MESSAGE")
	for _, r := range rows {
		status := string(r.Status)
		if r.Stale {
			status += " (stale)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ShortID, r.UserID, status, r.SessionCount, r.Messages,
			formatMillis(r.LastActivity), truncateText(r.LastMessage, 40))
	}
	w.Flush()
	if src == chat.SourceCache {
		fmt.Fprintln(out, "(store unavailable, showing cached data)")
	}
}

func writeSession(out io.Writer, c models.Chat, src chat.Source) {
	fmt.Fprintf(out, "Session %s\n", c.ID)
	fmt.Fprintf(out, "  User:      %s\n", c.Info.UserID)
	fmt.Fprintf(out, "  Status:    %s\n", c.Info.Status)
	fmt.Fprintf(out, "  Sessions:  %d\n", c.Info.SessionCount)
	fmt.Fprintf(out, "  Started:   %s\n", formatMillis(c.Info.StartTime))
	fmt.Fprintf(out, "  Activity:  %s\n", formatMillis(c.Info.LastActivity))
	if c.Info.Status == models.StatusClosed {
		fmt.Fprintf(out, "  Closed by: %s (%s)\n", c.Info.ClosedBy, c.Info.CloseReason)
	}
	if src == chat.SourceCache {
		fmt.Fprintln(out, "  (store unavailable, showing cached data)")
	}

	fmt.Fprintf(out, "\nMessages (%d)\n", len(c.Messages))
	for _, m := range c.Messages {
		fmt.Fprintf(out, "  %s\n", formatLine(m))
	}

	if len(c.StatusHistory) > 0 {
		fmt.Fprintln(out, "\nStatus history")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, h := range c.StatusHistory {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\t%s\n", formatMillis(h.Timestamp), h.From, h.To, h.TriggeredBy, h.Reason)
		}
		w.Flush()
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return models.FromMillis(ms).Format(time.DateTime)
}

func truncateText(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}
