package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inbox-responder/internal/agent"
	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/outbound"
	"inbox-responder/internal/poller"
	"inbox-responder/internal/status"
	"inbox-responder/internal/web"
)

// Set at build time via -ldflags
var (
	Version   = "dev"
	CommitSHA = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "inbox-responder",
		Short:         "Answer incoming email through an external agent",
		Long:          "Polls IMAP mailboxes, filters out automated and unwanted mail, and replies in-thread over SMTP with text produced by an agent command.",
		Version:       Version + " (" + CommitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/inbox-responder/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(pairingCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	if verbose {
		lvl = log.DebugLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the responder for every enabled account (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting inbox-responder", "version", Version, "commit", CommitSHA, "config", cfg.Path)

	database, err := db.New(cfg.StatePath)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("Database initialized", "path", cfg.StatePath)

	var processor poller.Processor
	cmdAgent, err := agent.New(cfg.Agent, logger)
	switch {
	case err == nil:
		processor = cmdAgent
	case errors.Is(err, agent.ErrNoCommand):
		logger.Warn("No agent command configured, admitted mail will not be answered")
	default:
		return err
	}

	webToken, err := config.ResolveSecret(ctx, cfg.WebToken)
	if err != nil {
		return fmt.Errorf("failed to resolve web_token: %w", err)
	}
	if cfg.WebPort > 0 && webToken == "" && !isLoopback(cfg.WebBind) {
		logger.Warn("Web server is reachable beyond this host without a web_token, send and approval routes only accept local clients", "bind", cfg.WebBind)
	}

	registry := status.NewRegistry()
	deps := poller.Deps{
		Processor: processor,
		Status:    registry,
		Pairing:   poller.LogPairing{Logger: logger},
		Logger:    logger,
	}
	sup := poller.NewSupervisor(func(acct config.Account) poller.Runner {
		return poller.New(acct, database, deps)
	}, logger)

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	g, gctx := errgroup.WithContext(ctx)
	updates := make(chan []config.Account)

	g.Go(func() error {
		return sup.Run(gctx, runnable(cfg, logger), updates)
	})

	g.Go(func() error {
		return config.Watch(gctx, cfg.Path, logger, func(next *config.Config) {
			if next.Agent != cfg.Agent {
				logger.Warn("Agent settings changed, restart to apply")
			}
			current.Store(next)
			select {
			case updates <- runnable(next, logger):
			case <-gctx.Done():
			}
		})
	})

	if cfg.WebPort > 0 {
		srv, err := web.NewServer(web.Options{
			DB:            database,
			Status:        registry,
			Outbound:      outbound.New(database, logger),
			Config:        current.Load,
			Bind:          cfg.WebBind,
			Port:          cfg.WebPort,
			Token:         webToken,
			ShutdownGrace: cfg.ShutdownGrace,
			Version:       Version,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Start(gctx) })
	}

	g.Go(func() error {
		return purgeActionLog(gctx, database, cfg.ActionLogRetentionDays, logger)
	})

	err = g.Wait()
	logger.Info("Goodbye!")
	return err
}

// runnable returns the enabled accounts and explains why the others were skipped.
func runnable(cfg *config.Config, logger *log.Logger) []config.Account {
	ids := cfg.ListAccountIDs()
	if len(ids) == 0 {
		logger.Warn("No email accounts configured")
	}
	for _, id := range ids {
		acct := cfg.ResolveAccount(id)
		if acct.Enabled {
			continue
		}
		if issues := acct.Issues(); len(issues) > 0 {
			logger.Warn("Account not started", "account", id, "issues", issues)
		} else {
			logger.Info("Account disabled", "account", id)
		}
	}
	return cfg.EnabledAccounts()
}

func isLoopback(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func purgeActionLog(ctx context.Context, database *db.DB, days int, logger *log.Logger) error {
	if days <= 0 {
		return nil
	}

	purge := func() {
		n, err := database.PurgeOldActions(ctx, days)
		if err != nil {
			logger.Error("Failed to purge action log", "err", err)
			return
		}
		if n > 0 {
			logger.Info("Purged old action log entries", "count", n, "older_than_days", days)
		}
	}

	purge()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purge()
		}
	}
}
