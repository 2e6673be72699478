package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/diora/switchboard/internal/models"
	"github.com/diora/switchboard/internal/widget"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat as a customer from the terminal",
		Long: `Opens or resumes a chat session and reads messages from stdin. The
session pointer lives in the local cache, so with a pebble or sql cache the
next run resumes the same conversation.

  /end   end the conversation; the next run starts a new one
  /quit  leave; the conversation is closed as if the page was unloaded`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, userID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&userID, "user", "", "customer id recorded on new sessions (default $USER)")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = os.Getenv("USER")
	}
	if userID == "" {
		userID = "cli"
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
	defer rs.bridge.Wait()
	if adapter != nil && cfg.Relay.Mode != "webhook" {
		go func() {
			if err := rs.relay.Run(ctx); err != nil {
				a.logger.Printf("sb: relay: %v", err)
			}
		}()
	}

	w, err := a.newWidget(a.repo, rs, "sb-chat")
	if err != nil {
		return err
	}
	defer w.Close()

	tr := newTranscript(out)
	unsubscribe := w.Subscribe(tr.update)
	defer unsubscribe()

	id, err := w.Open(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Chat %s (%s). Type /end to end it, /quit to leave.\n", models.ShortID(id), w.Status())
	tr.update(widget.Update{SessionID: id, Status: w.Status(), Messages: w.Messages()})

	in := cmd.InOrStdin()
	prompt := isTerminal(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		select {
		case <-ctx.Done():
			<-w.Unload()
			return nil
		case line, ok := <-lines:
			if !ok {
				<-w.Unload()
				return nil
			}
			done, err := chatLine(ctx, w, out, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// chatLine handles one line of input and reports whether the chat is over.
func chatLine(ctx context.Context, w *widget.Widget, out io.Writer, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "":
		return false, nil
	case "/end":
		if err := w.End(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Conversation ended.")
		return true, nil
	case "/quit":
		<-w.Unload()
		return true, nil
	}
	_, err := w.Send(ctx, line)
	return false, err
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// transcript prints each message once, in order, plus status changes.
type transcript struct {
	out io.Writer

	mu     sync.Mutex
	seen   map[string]bool
	status models.Status
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, seen: make(map[string]bool)}
}

func (t *transcript) update(u widget.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range u.Messages {
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("%d/%s/%s", m.Timestamp, m.Sender, m.Text)
		}
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		fmt.Fprintln(t.out, formatLine(m))
	}
	if u.Status != "" && t.status != "" && u.Status != t.status {
		fmt.Fprintf(t.out, "-- conversation %s --\n", u.Status)
	}
	if u.Status != "" {
		t.status = u.Status
	}
}

func formatLine(m models.Message) string {
	who := "you"
	switch m.Sender {
	case models.SenderAdmin:
		who = "operator"
	case models.SenderSystem:
		who = "system"
	}
	return fmt.Sprintf("[%s] %s: %s", models.FromMillis(m.Timestamp).Format("15:04"), who, m.Text)
}
