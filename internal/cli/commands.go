// Package cli provides the tradeflow command tree: the API server and
// the interactive client that drives analyses against it.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyike/TradeFlowGo/config"
	"github.com/dyike/TradeFlowGo/consts"
	"github.com/dyike/TradeFlowGo/internal/auth"
	"github.com/dyike/TradeFlowGo/internal/engine"
	"github.com/dyike/TradeFlowGo/internal/hub"
	"github.com/dyike/TradeFlowGo/internal/lifecycle"
	"github.com/dyike/TradeFlowGo/internal/marketdata"
	"github.com/dyike/TradeFlowGo/internal/server"
	"github.com/dyike/TradeFlowGo/internal/store"
	"github.com/dyike/TradeFlowGo/models"
)

const version = "1.0.0"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cfg := config.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "tradeflow",
		Short: "TradeFlow - session lifecycle for AI trading analysis",
		Long: `TradeFlow manages trading analysis sessions: it admits and queues
runs per user, aggregates the engine's streaming output into live
session snapshots, and serves them over a JSON API with SSE streams.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Debug = true
			}
			return cfg.EnsureDirectories()
		},
	}

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newAnalyzeCmd(cfg))
	rootCmd.AddCommand(newSessionsCmd(cfg))
	rootCmd.AddCommand(newValidateCmd(cfg))
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("server", "", "TradeFlow server URL (defaults to the configured listen address)")
	rootCmd.PersistentFlags().String("user", "", "Username for basic auth")
	rootCmd.PersistentFlags().String("password", "", "Password for basic auth")

	return rootCmd
}

// newServeCmd wires the full service and runs it until interrupted.
// Configuration is kept in a managed file under the data directory;
// environment variables and flags win over file values.
func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the TradeFlow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.NewManager(
				config.WithConfigPath(filepath.Join(cfg.DataDir, "config.json")),
				config.WithInitialConfig(cfg),
			)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			runCfg := mgr.Get()
			runCfg.ApplyEnv()
			if cfg.Debug {
				runCfg.Debug = true
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				runCfg.ListenAddr = addr
			}
			if err := runCfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level := new(slog.LevelVar)
			if runCfg.Debug {
				level.Set(slog.LevelDebug)
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			users, err := auth.Load(runCfg.UsersPath, logger)
			if err != nil {
				return fmt.Errorf("load users: %w", err)
			}

			st := store.New(runCfg.SnapshotPath, logger)
			if err := st.Load(); err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}

			h := hub.New(runCfg.HeartbeatInterval(), logger)
			feed := engine.NewClient(runCfg.EngineURL, runCfg.FeedTimeout(), logger)
			manager := lifecycle.New(st, h, feed, runCfg.FeedTimeout(), logger)
			validator := marketdata.New(&runCfg, logger)
			srv := server.New(runCfg.ListenAddr, manager, users, validator, feed, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Only the log level can change while running; everything
			// else needs a restart.
			if err := mgr.Watch(ctx, func(next config.Config) {
				if next.Debug {
					level.Set(slog.LevelDebug)
				} else {
					level.Set(slog.LevelInfo)
				}
				logger.Info("configuration reloaded", "path", mgr.Path())
			}); err != nil {
				logger.Warn("config watch unavailable", "error", err)
			}

			err = srv.Start(ctx)
			manager.Shutdown()
			return err
		},
	}
	cmd.Flags().String("listen", "", "Listen address (overrides configuration)")
	return cmd
}

// newAnalyzeCmd drives a create-and-watch flow against a running server.
func newAnalyzeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [TICKER]",
		Short: "Start an analysis session and watch it live",
		Long: `Create an analysis session on a running TradeFlow server and render
its progress live. Without arguments this runs interactively.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)

			req := CreateRequest{
				Market: mustString(cmd, "market"),
				Model:  mustString(cmd, "model"),
			}
			if len(args) == 1 {
				req.Ticker = args[0]
			}
			req.EndDate = mustString(cmd, "date")
			if analysts, _ := cmd.Flags().GetStringSlice("analysts"); len(analysts) > 0 {
				req.Analysts = analysts
			}

			if req.Ticker == "" {
				if err := fillInteractively(&req); err != nil {
					return err
				}
				confirmed, err := PromptForConfirmation(req)
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("Cancelled.")
					return nil
				}
			}

			return runAnalyze(cmd.Context(), client, req)
		},
	}
	cmd.Flags().String("market", consts.Market_AShare, "Market (A-share, US, HK)")
	cmd.Flags().String("model", "", "Model preset (defaults to the server's default)")
	cmd.Flags().String("date", "", "Analysis date in YYYY-MM-DD format (today if not provided)")
	cmd.Flags().StringSlice("analysts", nil, "Analyst keys: market, social, news, fundamentals")
	return cmd
}

func fillInteractively(req *CreateRequest) error {
	market, err := PromptForMarket()
	if err != nil {
		return err
	}
	req.Market = market

	ticker, err := PromptForTicker(market)
	if err != nil {
		return err
	}
	req.Ticker = ticker

	model, err := PromptForModel()
	if err != nil {
		return err
	}
	req.Model = model

	date, err := PromptForDate()
	if err != nil {
		return err
	}
	req.EndDate = date

	analysts, err := PromptForAnalysts()
	if err != nil {
		return err
	}
	req.Analysts = analysts
	return nil
}

func runAnalyze(ctx context.Context, client *Client, req CreateRequest) error {
	sess, err := client.CreateSession(ctx, req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	fmt.Println(RenderSessionHeader(sess))
	fmt.Printf("Session %s is %s\n\n", sess.ID, RenderStatus(sess.Status))

	lastAgent := ""
	final, err := client.WatchSession(ctx, sess.ID, func(snap *models.Session) {
		if snap.CurrentAgent != "" && snap.CurrentAgent != lastAgent {
			lastAgent = snap.CurrentAgent
			fmt.Printf("  ▸ %s\n", snap.CurrentAgent)
		}
	})
	if err != nil {
		return err
	}
	if final == nil {
		return fmt.Errorf("stream ended without a snapshot")
	}

	fmt.Println()
	switch final.Status {
	case models.StatusCompleted:
		fmt.Printf("Analysis completed. Decision: %s\n\n", RenderDecision(final.Decision))
		fmt.Println(RenderReports(final))
	case models.StatusError:
		fmt.Printf("Analysis failed: %s\n", errorStyle.Render(final.ErrorMsg))
	default:
		fmt.Printf("Session ended in status %s\n", RenderStatus(final.Status))
	}
	return nil
}

// newSessionsCmd groups session management subcommands.
func newSessionsCmd(cfg *config.Config) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage analysis sessions on a running server",
	}

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			sessions, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, sess := range sessions {
				fmt.Println(RenderSummaryLine(sess))
			}
			return nil
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "show [ID]",
		Short: "Show one session in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			sess, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(RenderSessionHeader(sess))
			fmt.Printf("Status: %s\n", RenderStatus(sess.Status))
			if sess.Decision != "" {
				fmt.Printf("Decision: %s\n", RenderDecision(sess.Decision))
			}
			if sess.ErrorMsg != "" {
				fmt.Printf("Error: %s\n", errorStyle.Render(sess.ErrorMsg))
			}
			fmt.Println()
			fmt.Println(RenderProgress(sess))
			fmt.Println(RenderReports(sess))
			return nil
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "watch [ID]",
		Short: "Follow a session's live stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			final, err := client.WatchSession(cmd.Context(), args[0], func(snap *models.Session) {
				fmt.Println(RenderSummaryLine(snap))
			})
			if err != nil {
				return err
			}
			if final != nil && final.Status == models.StatusCompleted {
				fmt.Printf("\nDecision: %s\n", RenderDecision(final.Decision))
			}
			return nil
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "retry [ID]",
		Short: "Retry a failed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			sess, err := client.RetrySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s is %s\n", sess.ID, RenderStatus(sess.Status))
			return nil
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "delete [ID]",
		Short: "Delete a session, cancelling it if running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			if err := client.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	})

	return sessionsCmd
}

// newValidateCmd checks a ticker against the server's vendors.
func newValidateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [TICKER]",
		Short: "Validate a ticker for a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd, cfg)
			market := mustString(cmd, "market")
			res, err := client.ValidateTicker(cmd.Context(), args[0], market)
			if err != nil {
				return err
			}
			if !res.Valid {
				fmt.Printf("%s is not valid for %s: %s\n", res.Ticker, res.Market, res.Reason)
				return nil
			}
			fmt.Printf("%s (%s) is valid", res.Ticker, res.Market)
			if res.Name != "" {
				fmt.Printf(": %s", res.Name)
			}
			if !res.Price.IsZero() {
				fmt.Printf(" at %s %s", res.Price.StringFixed(2), res.Currency)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().String("market", consts.Market_AShare, "Market (A-share, US, HK)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TradeFlow v%s\n", version)
		},
	}
}

func clientFromFlags(cmd *cobra.Command, cfg *config.Config) *Client {
	baseURL, _ := cmd.Flags().GetString("server")
	if baseURL == "" {
		baseURL = "http://" + cfg.ListenAddr
	}
	user, _ := cmd.Flags().GetString("user")
	pass, _ := cmd.Flags().GetString("password")
	return NewClient(baseURL, user, pass)
}

func mustString(cmd *cobra.Command, name string) string {
	val, _ := cmd.Flags().GetString(name)
	return val
}
