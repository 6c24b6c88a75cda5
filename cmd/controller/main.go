// Package main is the entry point for the ogent-controller binary.
// It wires all internal packages together and serves the HTTP surface.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Seed the user store and token manager
//  4. Optionally open the command archive and connect the messaging bus
//  5. Build registries, AI manager, notifier, gateway, and router
//  6. Start the janitor and the HTTP server
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/ai"
	"github.com/omiderfanmanesh/Ogent/internal/api"
	"github.com/omiderfanmanesh/Ogent/internal/auth"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/gateway"
	"github.com/omiderfanmanesh/Ogent/internal/janitor"
	"github.com/omiderfanmanesh/Ogent/internal/messaging"
	"github.com/omiderfanmanesh/Ogent/internal/notify"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
	"github.com/omiderfanmanesh/Ogent/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenHost      string
	listenPort      int
	tokenSecret     string
	tokenTTLMinutes int
	adminUsername   string
	adminPassword   string
	agentUsername   string
	agentPassword   string
	messagingURL    string
	aiBackendURL    string
	aiBackendKey    string
	aiModel         string
	aiPolicy        string
	retention       int
	commandDeadline time.Duration
	graceInterval   time.Duration
	archiveDriver   string
	archiveDSN      string
	encryptionKey   string
	webhookURL      string
	webhookSecret   string
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ogent-controller",
		Short: "Ogent controller — command execution control plane",
		Long: `Ogent controller is the central component of the Ogent system.
It accepts persistent agent and requester connections over websocket,
routes command executions to agents, tracks command lifecycles, and
exposes a REST API for token issuance and command management.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenHost, "listen-host", envOrDefault("OGENT_LISTEN_HOST", "0.0.0.0"), "HTTP listen host")
	root.PersistentFlags().IntVar(&cfg.listenPort, "listen-port", envOrDefaultInt("OGENT_LISTEN_PORT", 8000), "HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.tokenSecret, "token-secret", envOrDefault("OGENT_TOKEN_SECRET", ""), "HMAC secret for bearer tokens (required in production)")
	root.PersistentFlags().IntVar(&cfg.tokenTTLMinutes, "token-ttl-minutes", envOrDefaultInt("OGENT_TOKEN_TTL_MINUTES", 30), "Bearer token lifetime in minutes")
	root.PersistentFlags().StringVar(&cfg.adminUsername, "admin-username", envOrDefault("OGENT_ADMIN_USERNAME", "admin"), "Admin username")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", envOrDefault("OGENT_ADMIN_PASSWORD", "password"), "Admin password")
	root.PersistentFlags().StringVar(&cfg.agentUsername, "agent-username", envOrDefault("OGENT_AGENT_USERNAME", "agent"), "Service-account username agents authenticate with")
	root.PersistentFlags().StringVar(&cfg.agentPassword, "agent-password", envOrDefault("OGENT_AGENT_PASSWORD", "password"), "Service-account password agents authenticate with")
	root.PersistentFlags().StringVar(&cfg.messagingURL, "messaging-url", envOrDefault("OGENT_MESSAGING_URL", ""), "NATS URL for multi-replica mode (empty = single replica)")
	root.PersistentFlags().StringVar(&cfg.aiBackendURL, "ai-backend-url", envOrDefault("OGENT_AI_BACKEND_URL", "https://api.openai.com/v1"), "OpenAI-compatible backend base URL")
	root.PersistentFlags().StringVar(&cfg.aiBackendKey, "ai-backend-key", envOrDefault("OGENT_AI_BACKEND_KEY", ""), "AI backend API key (empty = AI disabled)")
	root.PersistentFlags().StringVar(&cfg.aiModel, "ai-model", envOrDefault("OGENT_AI_MODEL", "gpt-4o-mini"), "AI model name")
	root.PersistentFlags().StringVar(&cfg.aiPolicy, "ai-policy", envOrDefault("OGENT_AI_POLICY", "reject"), "What to do with commands AI flags unsafe (reject or warn)")
	root.PersistentFlags().IntVar(&cfg.retention, "command-retention", envOrDefaultInt("OGENT_COMMAND_RETENTION", 1000), "Terminal command records kept in memory")
	root.PersistentFlags().DurationVar(&cfg.commandDeadline, "command-deadline", envOrDefaultDuration("OGENT_COMMAND_DEADLINE", 5*time.Minute), "Overall per-command deadline")
	root.PersistentFlags().DurationVar(&cfg.graceInterval, "grace-interval", envOrDefaultDuration("OGENT_GRACE_INTERVAL", 30*time.Second), "Grace window before in-flight commands go lost")
	root.PersistentFlags().StringVar(&cfg.archiveDriver, "archive-driver", envOrDefault("OGENT_ARCHIVE_DRIVER", ""), "Archive database driver (sqlite or postgres, empty = archive off)")
	root.PersistentFlags().StringVar(&cfg.archiveDSN, "archive-dsn", envOrDefault("OGENT_ARCHIVE_DSN", ""), "Archive database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.encryptionKey, "encryption-key", envOrDefault("OGENT_ENCRYPTION_KEY", ""), "32-byte key for encrypting archived command text at rest")
	root.PersistentFlags().StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("OGENT_WEBHOOK_URL", ""), "Webhook URL notified on terminal commands (empty = disabled)")
	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("OGENT_WEBHOOK_SECRET", ""), "HMAC secret for webhook signatures")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ogent-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	tokenSecret := cfg.tokenSecret
	if tokenSecret == "" {
		tokenSecret = uuid.NewString()
		logger.Warn("token-secret not configured — using a random per-process secret; tokens will not survive a restart and multi-replica mode will not work (set OGENT_TOKEN_SECRET in production)")
	}
	if cfg.adminPassword == "password" {
		logger.Warn("admin password is the default — set OGENT_ADMIN_PASSWORD in production")
	}

	replica := fmt.Sprintf("controller-%s", uuid.NewString()[:8])

	logger.Info("starting ogent controller",
		zap.String("version", version),
		zap.String("listen", net.JoinHostPort(cfg.listenHost, strconv.Itoa(cfg.listenPort))),
		zap.String("replica", replica),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Auth ---
	tokens, err := auth.NewTokenManager(tokenSecret, time.Duration(cfg.tokenTTLMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to build token manager: %w", err)
	}
	users := auth.NewUserStore()
	if err := users.Add(cfg.adminUsername, cfg.adminPassword, auth.RoleAdmin); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	if err := users.Add(cfg.agentUsername, cfg.agentPassword, auth.RoleAgent); err != nil {
		return fmt.Errorf("failed to seed agent service account: %w", err)
	}

	// --- Registries ---
	agents := registry.New(logger)

	// --- Archive (optional) ---
	var archive *store.Store
	if cfg.archiveDriver != "" {
		if cfg.encryptionKey != "" {
			if err := store.InitEncryption([]byte(cfg.encryptionKey)); err != nil {
				return fmt.Errorf("bad encryption key: %w", err)
			}
			logger.Info("archive encryption enabled")
		}
		archive, err = store.Open(store.Config{
			Driver: cfg.archiveDriver,
			DSN:    cfg.archiveDSN,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open command archive: %w", err)
		}
		defer archive.Close()
		logger.Info("command archive open",
			zap.String("driver", cfg.archiveDriver),
		)
	}

	var archiver command.Archiver
	if archive != nil {
		archiver = archive
	}
	commands := command.New(cfg.retention, archiver, logger)

	// --- Messaging bus (optional) ---
	var bus messaging.Bus
	if cfg.messagingURL != "" {
		natsBus, err := messaging.ConnectNATS(cfg.messagingURL, replica, logger)
		if err != nil {
			return fmt.Errorf("failed to connect messaging bus: %w", err)
		}
		defer natsBus.Close()
		bus = natsBus
		logger.Info("messaging bus connected", zap.String("url", cfg.messagingURL))
	}

	// --- AI (optional) ---
	var processor ai.Processor
	if cfg.aiBackendKey != "" {
		processor = ai.NewManager(ai.NewClient(cfg.aiBackendURL, cfg.aiBackendKey, cfg.aiModel), logger)
		logger.Info("ai pre-processing enabled", zap.String("model", cfg.aiModel))
	}

	aiPolicy := router.AIPolicy(cfg.aiPolicy)
	switch aiPolicy {
	case router.PolicyReject, router.PolicyWarn:
	default:
		return fmt.Errorf("bad --ai-policy %q: want reject or warn", cfg.aiPolicy)
	}

	// --- Notifier (optional) ---
	var notifier router.Notifier
	if cfg.webhookURL != "" {
		webhook, err := notify.NewWebhook(cfg.webhookURL, cfg.webhookSecret, logger)
		if err != nil {
			return fmt.Errorf("failed to build webhook notifier: %w", err)
		}
		notifier = webhook
		logger.Info("webhook notifier enabled")
	}

	// --- Gateway and router ---
	// The gateway is built first because it is the router's session sender;
	// BindRouter closes the cycle afterward.
	gw := gateway.New(agents, tokens, logger)
	rtr := router.New(router.Config{
		Agents:   agents,
		Commands: commands,
		Sender:   gw,
		AI:       processor,
		Bus:      bus,
		Notifier: notifier,
		Logger:   logger,
		Replica:  replica,
		Deadline: cfg.commandDeadline,
		Grace:    cfg.graceInterval,
		AIPolicy: aiPolicy,
	})
	gw.BindRouter(rtr)
	defer rtr.Close()

	if bus != nil {
		if err := rtr.BindBus(); err != nil {
			return fmt.Errorf("failed to bind messaging bus: %w", err)
		}
	}

	// --- Janitor ---
	janitorCfg := janitor.Config{
		Sweeper: rtr,
		Logger:  logger,
	}
	if archive != nil {
		janitorCfg.Pruner = archive
	}
	jan, err := janitor.New(janitorCfg)
	if err != nil {
		return fmt.Errorf("failed to build janitor: %w", err)
	}
	if err := jan.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	// --- HTTP server ---
	handler := api.NewRouter(api.RouterConfig{
		Agents:   agents,
		Commands: commands,
		Router:   rtr,
		Users:    users,
		Tokens:   tokens,
		Logger:   logger,
		AI:       processor,
		Archive:  archiveOrNil(archive),
		Gateway:  gw,
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.listenHost, strconv.Itoa(cfg.listenPort)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down ogent controller")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	gw.Shutdown()
	if err := jan.Stop(); err != nil {
		logger.Warn("janitor stop failed", zap.Error(err))
	}
	if bus != nil {
		if err := bus.Flush(); err != nil {
			logger.Warn("bus drain failed", zap.Error(err))
		}
	}

	logger.Info("ogent controller stopped")
	return nil
}

// archiveOrNil keeps a nil *store.Store from becoming a non-nil ArchiveReader
// interface value.
func archiveOrNil(s *store.Store) api.ArchiveReader {
	if s == nil {
		return nil
	}
	return s
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
