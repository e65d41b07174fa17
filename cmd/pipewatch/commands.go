package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pipewatch/pipewatch/internal/client"
	"github.com/pipewatch/pipewatch/internal/config"
	"github.com/pipewatch/pipewatch/internal/poller"
	"github.com/pipewatch/pipewatch/internal/session"
)

// --- features ---

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List pipeline features and their status graphs",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, feature := range session.Features() {
			g, _ := session.Lookup(feature)
			steps := make([]string, len(g.Steps))
			for i, s := range g.Steps {
				steps[i] = string(s)
			}
			fmt.Printf("%s\n", colorize(colorBold, feature))
			fmt.Printf("  %s → %s\n", strings.Join(steps, " → "), session.StatusCompleted)
		}
		return nil
	},
}

// --- create ---

var createCmd = &cobra.Command{
	Use:   "create <feature>",
	Short: "Create a new pipeline session",
	Long: `Create a new pipeline session.

Examples:
  pipewatch create market_research --params '{"companyName":"Acme","industry":"logistics"}'
  pipewatch create release_prep --params-file ./release.json --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feature := args[0]
		paramsStr, _ := cmd.Flags().GetString("params")
		paramsFile, _ := cmd.Flags().GetString("params-file")
		watch, _ := cmd.Flags().GetBool("watch")

		if !session.Known(feature) {
			return fmt.Errorf("unknown feature %q (run \"pipewatch features\" for the list)", feature)
		}
		if paramsStr != "" && paramsFile != "" {
			return fmt.Errorf("--params and --params-file are mutually exclusive")
		}

		params := json.RawMessage(paramsStr)
		if paramsFile != "" {
			data, err := os.ReadFile(paramsFile)
			if err != nil {
				return fmt.Errorf("reading params file: %w", err)
			}
			params = data
		}
		if len(params) > 0 && !json.Valid(params) {
			return fmt.Errorf("params is not valid JSON")
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sess, err := c.CreateSession(ctx, feature, params)
		if err != nil {
			return err
		}

		printSuccess("Created session %s (%s)", sess.ID, sess.Status)

		if watch {
			return watchSessions(ctx, c, sess)
		}
		return nil
	},
}

func init() {
	createCmd.Flags().String("params", "", "session parameters as a JSON object")
	createCmd.Flags().String("params-file", "", "path to a JSON file with session parameters")
	createCmd.Flags().Bool("watch", false, "poll the session until it reaches a terminal state")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list <feature>",
	Short: "List sessions for a feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		sessions, err := c.ListSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		for _, s := range sessions {
			fmt.Printf("%s  %-16s  %s\n",
				colorize(colorCyan, s.ID),
				colorize(statusColor(s.Status), string(s.Status)),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return nil
	},
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <feature> <id>",
	Short: "Show a single session as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		sess, err := c.GetSession(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <feature> [id]",
	Short: "Poll sessions until they reach a terminal state",
	Long: `Poll sessions until they reach a terminal state.

Watches one session by id, or every active session of the feature with
--all. Progress is printed on each status change; the final session
record decides the exit message.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		feature := args[0]
		all, _ := cmd.Flags().GetBool("all")

		if (len(args) == 2) == all {
			return fmt.Errorf("pass a session id or --all, not both")
		}

		c, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !all {
			sess, err := c.GetSession(ctx, feature, args[1])
			if err != nil {
				return err
			}
			return watchSessions(ctx, c, sess)
		}

		sessions, err := c.ListSessions(ctx, feature)
		if err != nil {
			return err
		}
		var active []session.Session
		for _, s := range sessions {
			if !session.IsTerminal(s.Status) {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}
		return watchSessions(ctx, c, active...)
	},
}

func init() {
	watchCmd.Flags().Bool("all", false, "watch every non-terminal session of the feature")
}

// watchSessions polls each session until terminal and prints progress.
// Already-terminal sessions are reported immediately without polling.
func watchSessions(ctx context.Context, c *client.Client, sessions ...session.Session) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	p := poller.New(c, cfg.PollInterval(), cfg.Poll.MaxFailures)

	g, gCtx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			return watchOne(gCtx, p, sess)
		})
	}
	return g.Wait()
}

func watchOne(ctx context.Context, p *poller.Poller, sess session.Session) error {
	if session.IsTerminal(sess.Status) {
		reportFinal(sess)
		return nil
	}

	var finalErr error
	handle := p.Start(ctx, sess, func(u poller.Update) {
		switch {
		case u.Session != nil:
			reportFinal(*u.Session)
		case u.Err != nil:
			finalErr = u.Err
		case u.Snapshot != nil:
			snap := u.Snapshot
			if snap.ProgressTotal > 0 {
				printStep("%s  %s [%d/%d] %s", sess.ID, snap.Status, snap.ProgressStep, snap.ProgressTotal, snap.ProgressMessage)
			} else {
				printStep("%s  %s", sess.ID, snap.Status)
			}
		}
	})
	if handle == nil {
		reportFinal(sess)
		return nil
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Stop()
		<-handle.Done()
	}
	return finalErr
}

func reportFinal(sess session.Session) {
	if sess.Status == session.StatusCompleted {
		printSuccess("%s completed", sess.ID)
		if len(sess.Result) > 0 {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(json.RawMessage(sess.Result))
		}
		return
	}
	printError("%s failed: %s", sess.ID, sess.ErrorMessage)
}

func statusColor(s session.Status) string {
	switch s {
	case session.StatusCompleted:
		return colorGreen
	case session.StatusFailed:
		return colorRed
	default:
		return colorCyan
	}
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <feature> <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		if err := c.DeleteSession(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[1])
		return nil
	},
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <feature> <id>",
	Short: "Retry a failed session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		c, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sess, err := c.RetrySession(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		printSuccess("Retrying session %s (%s)", sess.ID, sess.Status)

		if watch {
			return watchSessions(ctx, c, sess)
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().Bool("watch", false, "poll the session until it reaches a terminal state")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
