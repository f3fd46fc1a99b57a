// Package main is the entry point for the orbitmesh-agent binary.
// It wires the command executor and the coordinator connection manager
// together and starts the session loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally connect to Docker (non-fatal if unavailable)
//  4. Build the executor and register its built-in command handlers
//  5. Build the connection manager
//  6. Start the executor worker and connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/agentconn"
	"github.com/orbitmesh/orbitmesh/internal/agentexec"
	"github.com/orbitmesh/orbitmesh/internal/config"
	"github.com/orbitmesh/orbitmesh/internal/obslog"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cmdConfig struct {
	serverAddr   string
	sharedSecret string
	stateDir     string
	dockerSocket string
	group        string
	nominalName  string
	logLevel     string
	logFormat    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cmdConfig{}

	root := &cobra.Command{
		Use:   "orbitmesh-agent",
		Short: "OrbitMesh agent — executes jobs dispatched by an orbitmeshd coordinator",
		Long: `orbitmesh-agent runs on each machine that should accept work.
It opens a persistent gRPC session to an orbitmeshd coordinator, advertises
its capabilities, and executes the commands it is assigned, streaming
progress and results back over the same session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "coordinator-addr", config.EnvOrDefault("ORBITMESH_COORDINATOR", "localhost:9090"), "orbitmeshd gRPC address (host:port)")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "agent-secret", config.EnvOrDefault("ORBITMESH_AGENT_SECRET", ""), "shared secret for gRPC authentication (must match the coordinator's ORBITMESH_AGENT_SECRET)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", config.EnvOrDefault("ORBITMESH_STATE_DIR", defaultStateDir()), "directory for agent state (resume token, identity)")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", config.EnvOrDefault("ORBITMESH_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.group, "group", config.EnvOrDefault("ORBITMESH_AGENT_GROUP", ""), "agent group used for capability-scoped dispatch")
	root.PersistentFlags().StringVar(&cfg.nominalName, "name", config.EnvOrDefault("ORBITMESH_AGENT_NAME", ""), "human-readable agent name (empty = hostname)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("ORBITMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logFormat, "log-format", config.EnvOrDefault("ORBITMESH_LOG_FORMAT", "json"), "log format (json or console)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmesh-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cmdConfig) error {
	logger, err := obslog.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.sharedSecret == "" {
		logger.Warn("agent-secret not configured — gRPC session is unauthenticated (set ORBITMESH_AGENT_SECRET in production)")
	}

	name := cfg.nominalName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}

	logger.Info("starting orbitmesh agent",
		zap.String("version", version),
		zap.String("coordinator", cfg.serverAddr),
		zap.String("name", name),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Executor ---
	exec := agentexec.New(logger)

	// --- shell.exec (always available) ---
	exec.Register("shell.exec", agentexec.NewShellExecHandler())

	// --- Docker command family (optional) ---
	// Docker is best-effort: if the socket is unavailable or the daemon is
	// not running, the agent still starts but never registers docker.exec,
	// so it never advertises the "docker" capability and the dispatcher
	// never routes Docker jobs here.
	if cli, err := dockerclient.NewClientWithOpts(dockerOpts(cfg.dockerSocket)...); err != nil {
		logger.Warn("failed to create Docker client, docker.exec unavailable", zap.Error(err))
	} else if _, err := cli.Ping(ctx); err != nil {
		logger.Warn("Docker daemon unreachable, docker.exec unavailable", zap.Error(err))
		cli.Close()
	} else {
		exec.Register("docker.exec", agentexec.NewDockerExecHandler(cli))
		defer cli.Close()
		logger.Info("Docker daemon reachable, docker.exec registered")
	}

	// --- Connection manager ---
	connCfg := agentconn.Config{
		ServerAddr:   cfg.serverAddr,
		SharedSecret: cfg.sharedSecret,
		StateDir:     cfg.stateDir,
		NominalName:  name,
		Group:        cfg.group,
	}
	mgr := agentconn.New(connCfg, exec, logger)

	go exec.Run(ctx, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("orbitmesh agent stopped")
	return nil
}

func dockerOpts(socketPath string) []dockerclient.Opt {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	return opts
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.orbitmesh-agent"
	}
	return ".orbitmesh-agent"
}
