package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/branchchat/internal/client"
	"github.com/suPer8Hu/branchchat/internal/logger"
	"github.com/suPer8Hu/branchchat/internal/wire"
)

type globals struct {
	server  string
	verbose bool
}

func (g *globals) api() *client.Client { return client.New(g.server, nil) }

func (g *globals) logger() *logger.Logger {
	if !g.verbose {
		return logger.Nop()
	}
	log, err := logger.New("development")
	if err != nil {
		return logger.Nop()
	}
	return log
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           "chatcli",
		Short:         "Talk to a branchchat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("BRANCHCHAT_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log client events to stderr")

	root.AddCommand(
		newCmd(g),
		listCmd(g),
		showCmd(g),
		sendCmd(g),
		editCmd(g),
		regenCmd(g),
		stopCmd(g),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCmd(g *globals) *cobra.Command {
	var req wire.CreateConversationRequest
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			detail, err := g.api().CreateConversation(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(detail.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "initial title")
	cmd.Flags().StringVar(&req.Model, "model", "", "model id")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "system prompt")
	return cmd
}

func listCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := g.api().ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range convs {
				fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format(time.DateTime), c.Title)
			}
			return nil
		},
	}
}

func showCmd(g *globals) *cobra.Command {
	var versions, variants []string
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the visible thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := client.NewModel(g.api(), args[0], nil, g.logger())
			if err := m.Load(cmd.Context()); err != nil {
				return err
			}
			cursors, err := parseCursors(versions, variants)
			if err != nil {
				return err
			}

			fmt.Printf("# %s\n\n", m.Title())
			turns := map[string]client.Turn{}
			for _, t := range m.Turns() {
				for _, v := range t.Versions {
					turns[v.User.ID] = t
				}
			}
			for _, msg := range m.ActivePath(cursors) {
				if msg.Role == wire.RoleUser {
					t := turns[msg.ID]
					fmt.Printf("[user %s] (turn %s, %d versions)\n%s\n\n", msg.ID, t.RootID(), len(t.Versions), msg.Content)
					continue
				}
				fmt.Printf("[assistant %s] variant %d, %s\n%s\n\n", msg.ID, msg.VariantIndex, msg.Status, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&versions, "version", nil, "turn-root-id=index to pick an edited version")
	cmd.Flags().StringSliceVar(&variants, "variant", nil, "user-message-id=index to pick an answer variant")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var opts client.SendOptions
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return g.stream(cmd.Context(), args[0], func(ctx context.Context, m *client.Model) error {
				return m.Send(ctx, text, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Model, "model", "", "model id")
	cmd.Flags().StringVar(&opts.SystemPrompt, "system", "", "system prompt override")
	return cmd
}

func editCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation-id> <user-message-id> <message...>",
		Short: "Edit a user message and stream the new answer",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[2:], " ")
			return g.stream(cmd.Context(), args[0], func(ctx context.Context, m *client.Model) error {
				return m.Edit(ctx, args[1], text)
			})
		},
	}
}

func regenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "regen <conversation-id> <user-message-id>",
		Short: "Generate another answer to a user message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.stream(cmd.Context(), args[0], func(ctx context.Context, m *client.Model) error {
				return m.Regenerate(ctx, args[1])
			})
		},
	}
}

func stopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <conversation-id>",
		Short: "Stop the conversation's live generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := g.api().Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println("stopped:", stopped)
			return nil
		},
	}
}

// stream loads the conversation, runs one generation and prints its events.
// Ctrl-C asks the server to stop; the stream then ends with end{interrupted}.
func (g *globals) stream(ctx context.Context, conversationID string, run func(context.Context, *client.Model) error) error {
	m := client.NewModel(g.api(), conversationID, printEvent, g.logger())
	if err := m.Load(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig:
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Stop(stopCtx); err != nil {
				fmt.Fprintln(os.Stderr, "stop failed:", err)
			}
		case <-done:
		}
	}()

	return run(ctx, m)
}

func printEvent(e wire.Event) {
	switch ev := e.(type) {
	case wire.Start:
		fmt.Fprintf(os.Stderr, "[%s %s]\n", ev.Model, ev.MessageID)
	case wire.Token:
		fmt.Print(ev.Token)
	case wire.Finish:
		fmt.Println()
	case wire.Status:
		fmt.Fprintf(os.Stderr, "[%s: %s]\n", ev.Stage, ev.Status)
	case wire.StructuredData:
		fmt.Fprintf(os.Stderr, "[structured data, %d bytes]\n", len(ev.Data))
	case wire.VizConfig:
		fmt.Fprintf(os.Stderr, "[chart]\n%s\n", ev.Config)
	case wire.Title:
		fmt.Fprintf(os.Stderr, "[title: %s]\n", ev.Title)
	case wire.End:
		if ev.Status != wire.EndComplete {
			fmt.Fprintln(os.Stderr, "\n[interrupted]")
		}
	case wire.Error:
		fmt.Fprintln(os.Stderr, "\n[error]", ev.Message)
	}
}

func parseCursors(versions, variants []string) (client.Cursors, error) {
	c := client.Cursors{Version: map[string]int{}, Variant: map[string]int{}}
	for _, pair := range []struct {
		in  []string
		out map[string]int
	}{{versions, c.Version}, {variants, c.Variant}} {
		for _, kv := range pair.in {
			k, v, ok := strings.Cut(kv, "=")
			n, err := strconv.Atoi(v)
			if !ok || err != nil {
				return c, fmt.Errorf("bad cursor %q, want id=index", kv)
			}
			pair.out[k] = n
		}
	}
	return c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
