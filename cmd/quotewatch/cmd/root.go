package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/quotewatch/quotewatch/internal/config"
	"github.com/quotewatch/quotewatch/internal/kvstore"
	"github.com/quotewatch/quotewatch/internal/mailgw"
	"github.com/quotewatch/quotewatch/internal/oauth"
	"github.com/quotewatch/quotewatch/internal/reconcile"
	"github.com/quotewatch/quotewatch/internal/tracker"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quotewatch",
	Short: "RFQ batch lifecycle tracker",
	Long: `quotewatch sends request-for-quote drafts to suppliers and tracks the
batch through four stages: Sent, Auto-Reply Scheduled, Received, Filed.

A reconciliation poller watches the mailbox for supplier replies, filters
out bounces and stale mail, and reports progress until every RFQ in the
batch is answered and filed or the watch budget runs out.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $QUOTEWATCH_HOME/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the durable batch state database.
func openStore() (*kvstore.SQLite, error) {
	store, err := kvstore.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", cfg.StatePath(), err)
	}
	return store, nil
}

// newGateway builds an authenticated mail gateway for the configured account.
func newGateway(ctx context.Context) (mailgw.Gateway, error) {
	if cfg.OAuth.ClientSecrets == "" {
		return nil, errOAuthNotConfigured()
	}
	if cfg.OAuth.Account == "" {
		return nil, fmt.Errorf("no account configured; set [oauth] account in %s", configFilePath())
	}

	mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
	if err != nil {
		return nil, err
	}
	if !mgr.HasToken(cfg.OAuth.Account) {
		return nil, fmt.Errorf("no token for %s; run 'quotewatch auth' first", cfg.OAuth.Account)
	}

	ts, err := mgr.TokenSource(ctx, cfg.OAuth.Account)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", cfg.OAuth.Account, err)
	}

	return mailgw.NewClient(ts,
		mailgw.WithLogger(logger),
		mailgw.WithConcurrency(cfg.Provider.Concurrency),
		mailgw.WithRateLimiter(mailgw.NewRateLimiter(float64(cfg.Provider.RateLimitQPS))),
	), nil
}

// newTracker wires a tracker from the config.
func newTracker(gw mailgw.Gateway, store kvstore.Store) *tracker.Tracker {
	return tracker.New(gw, store, logger, tracker.Config{
		BaselineMargin: time.Duration(cfg.Watch.BaselineMarginSeconds) * time.Second,
		RecencyWindow:  time.Duration(cfg.Watch.RecencyWindowMinutes) * time.Minute,
		Poller: reconcile.Config{
			Interval:               time.Duration(cfg.Watch.PollIntervalSeconds) * time.Second,
			Budget:                 time.Duration(cfg.Watch.BudgetMinutes) * time.Minute,
			QuoteFolders:           cfg.Watch.QuoteFolders,
			TopicToken:             cfg.Classify.TopicToken,
			MinReplyChars:          cfg.Classify.MinReplyChars,
			AssumeQuoteWhenUnfiled: cfg.Watch.AssumeQuoteWhenUnfiled,
			FanOut:                 cfg.Provider.Concurrency,
		},
	})
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(config.DefaultHome(), "config.toml")
}

// errOAuthNotConfigured returns a helpful error when client secrets are missing.
func errOAuthNotConfigured() error {
	return fmt.Errorf(`OAuth client secrets not configured.

To use quotewatch, you need a mail provider OAuth credential:
  1. Download the client_secret.json file from your provider console
  2. Create or edit %s:
       [oauth]
       client_secrets = "/path/to/client_secret.json"
       account = "buyer@example.com"`, configFilePath())
}
