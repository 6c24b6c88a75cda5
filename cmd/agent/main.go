// Package main is the entry point for the ogent-agent binary.
// It wires all internal agent packages together and starts the connection
// loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally connect to Docker for the capability report (non-fatal)
//  4. Build executors (local always, remote when configured)
//  5. Build dispatcher (queue + worker pool) and connection client
//  6. Start dispatcher workers and the connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
//
// Exit codes: 0 on signal, 1 on bad configuration, 2 when the reconnect
// budget is spent — supervisors can tell an unreachable controller from a
// crash.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/agent/client"
	"github.com/omiderfanmanesh/Ogent/internal/agent/executor"
	"github.com/omiderfanmanesh/Ogent/internal/agent/sysinfo"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	controllerURL        string
	username             string
	password             string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	concurrencyLimit     int
	remoteEnabled        bool
	remoteHost           string
	remotePort           int
	remoteUsername       string
	remotePassword       string
	remoteKeyPath        string
	remoteTimeout        time.Duration
	agentID              string
	stateDir             string
	dockerSocket         string
	logLevel             string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, client.ErrMaxAttemptsExceeded) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ogent-agent",
		Short: "Ogent agent — command execution agent for the Ogent system",
		Long: `Ogent agent runs on each managed machine. It connects to the Ogent
controller over a persistent websocket, registers its capabilities, and
executes dispatched commands locally or on a configured SSH target,
streaming output back as it is produced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.controllerURL, "controller-url", envOrDefault("OGENT_CONTROLLER_URL", "http://localhost:8000"), "Controller base URL")
	root.PersistentFlags().StringVar(&cfg.username, "username", envOrDefault("OGENT_AGENT_USERNAME", "agent"), "Username for the controller token endpoint")
	root.PersistentFlags().StringVar(&cfg.password, "password", envOrDefault("OGENT_AGENT_PASSWORD", "password"), "Password for the controller token endpoint")
	root.PersistentFlags().DurationVar(&cfg.reconnectDelay, "reconnect-delay", envOrDefaultDuration("OGENT_RECONNECT_DELAY", 5*time.Second), "Initial reconnect backoff interval")
	root.PersistentFlags().IntVar(&cfg.maxReconnectAttempts, "max-reconnect-attempts", envOrDefaultInt("OGENT_MAX_RECONNECT_ATTEMPTS", 10), "Consecutive failed connections before giving up (<=0 = retry forever)")
	root.PersistentFlags().IntVar(&cfg.concurrencyLimit, "concurrency-limit", envOrDefaultInt("OGENT_CONCURRENCY_LIMIT", 1), "Commands executed in parallel")
	root.PersistentFlags().BoolVar(&cfg.remoteEnabled, "remote-enabled", envOrDefaultBool("OGENT_REMOTE_ENABLED", false), "Enable the SSH remote executor")
	root.PersistentFlags().StringVar(&cfg.remoteHost, "remote-host", envOrDefault("OGENT_REMOTE_HOST", ""), "SSH target host")
	root.PersistentFlags().IntVar(&cfg.remotePort, "remote-port", envOrDefaultInt("OGENT_REMOTE_PORT", 22), "SSH target port")
	root.PersistentFlags().StringVar(&cfg.remoteUsername, "remote-username", envOrDefault("OGENT_REMOTE_USERNAME", ""), "SSH username")
	root.PersistentFlags().StringVar(&cfg.remotePassword, "remote-password", envOrDefault("OGENT_REMOTE_PASSWORD", ""), "SSH password")
	root.PersistentFlags().StringVar(&cfg.remoteKeyPath, "remote-key-path", envOrDefault("OGENT_REMOTE_KEY_PATH", defaultKeyPath()), "SSH private key path")
	root.PersistentFlags().DurationVar(&cfg.remoteTimeout, "remote-timeout", envOrDefaultDuration("OGENT_REMOTE_TIMEOUT", 10*time.Second), "SSH connect timeout")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("OGENT_AGENT_ID", ""), "Agent identity override (empty = persisted or controller-assigned)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("OGENT_STATE_DIR", defaultStateDir()), "Directory for agent state (agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("OGENT_DOCKER_SOCKET", ""), "Docker socket path for the capability report (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("OGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ogent-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting ogent agent",
		zap.String("version", version),
		zap.String("controller", cfg.controllerURL),
		zap.String("state_dir", cfg.stateDir),
		zap.Int("concurrency", cfg.concurrencyLimit),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Executors ---
	local := executor.NewLocal()

	var remote *executor.Remote
	remoteTarget := ""
	if cfg.remoteEnabled {
		if cfg.remoteHost == "" {
			return fmt.Errorf("remote executor enabled but --remote-host is empty")
		}
		remote = executor.NewRemote(executor.RemoteConfig{
			Host:           cfg.remoteHost,
			Port:           cfg.remotePort,
			User:           cfg.remoteUsername,
			Password:       cfg.remotePassword,
			KeyPath:        cfg.remoteKeyPath,
			ConnectTimeout: cfg.remoteTimeout,
		})
		defer remote.Close()
		remoteTarget = remote.Target()
		logger.Info("remote executor configured", zap.String("target", remoteTarget))
	}

	// --- Capability report ---
	// Docker is best-effort: the agent runs fine without a daemon, the
	// report just omits the docker section.
	var docker *sysinfo.DockerInventory
	if dc, err := sysinfo.NewDockerInventory(ctx, cfg.dockerSocket); err != nil {
		logger.Info("docker daemon unreachable, inventory disabled", zap.Error(err))
	} else {
		docker = dc
		defer docker.Close()
		logger.Info("docker daemon reachable, inventory enabled")
	}
	collector := sysinfo.New(version, remoteTarget, docker, logger)

	// --- Dispatcher and connection client ---
	// remote is passed through a typed nil check so the dispatcher sees a
	// true nil interface when no remote is configured.
	var remoteExec executor.Executor
	if remote != nil {
		remoteExec = remote
	}
	dispatcher := executor.New(local, remoteExec, cfg.concurrencyLimit, logger)

	c := client.New(client.Config{
		ControllerURL:        cfg.controllerURL,
		Username:             cfg.username,
		Password:             cfg.password,
		AgentID:              cfg.agentID,
		StateDir:             cfg.stateDir,
		ReconnectDelay:       cfg.reconnectDelay,
		MaxReconnectAttempts: cfg.maxReconnectAttempts,
	}, dispatcher, collector, logger)

	// --- Start ---
	// Dispatcher workers and the connection loop run concurrently; both
	// respect ctx cancellation for graceful shutdown.
	go dispatcher.Run(ctx, c)

	if err := c.Run(ctx); err != nil {
		return err
	}

	logger.Info("ogent agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".ogent")
	}
	return ".ogent"
}

// defaultKeyPath guesses the conventional SSH key location.
func defaultKeyPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".ssh", "id_rsa")
	}
	return ""
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

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
