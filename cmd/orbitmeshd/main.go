// Package main is the entry point for the orbitmeshd binary, the
// coordinator process hosting the Agent Registry, Job Dispatcher, and
// Workflow Engine behind a gRPC session transport and an administrative
// HTTP API.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Initialize encryption at rest
//  4. Open the database and apply migrations
//  5. Construct the event bus, registry, dispatcher, and workflow engine
//  6. Construct the JWT manager and metrics collector
//  7. Start the gRPC session server and the administrative HTTP server
//  8. Block until SIGINT/SIGTERM, then graceful shutdown in reverse order
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitmesh/orbitmesh/internal/api"
	"github.com/orbitmesh/orbitmesh/internal/authjwt"
	"github.com/orbitmesh/orbitmesh/internal/authoidc"
	"github.com/orbitmesh/orbitmesh/internal/config"
	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/eventbus"
	"github.com/orbitmesh/orbitmesh/internal/notify"
	"github.com/orbitmesh/orbitmesh/internal/obslog"
	"github.com/orbitmesh/orbitmesh/internal/obsmetrics"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
	grpctransport "github.com/orbitmesh/orbitmesh/internal/transport/grpc"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cmdConfig struct {
	httpAddr   string
	grpcAddr   string
	dbDriver   string
	dbDSN      string
	secretKey  string
	logLevel   string
	logFormat  string
	dataDir    string
	agentToken string

	oidcIssuer      string
	oidcClientID    string
	oidcRoleClaim   string
	oidcDefaultRole string

	smtpHost       string
	smtpPort       int
	smtpUsername   string
	smtpPassword   string
	smtpFrom       string
	smtpTLS        bool
	webhookSecret  string
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
		Use:   "orbitmeshd",
		Short: "OrbitMesh coordinator — agent registry, job dispatcher, workflow engine",
		Long: `orbitmeshd is the central coordinator of an OrbitMesh cluster.
It accepts persistent gRPC sessions from agents, dispatches submitted jobs
to ready agents, executes workflow DAGs across multiple jobs, and exposes
an administrative REST API for operators.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", config.EnvOrDefault("ORBITMESH_HTTP_ADDR", ":8080"), "administrative HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", config.EnvOrDefault("ORBITMESH_GRPC_ADDR", ":9090"), "gRPC session server listen address for agents")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", config.EnvOrDefault("ORBITMESH_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", config.EnvOrDefault("ORBITMESH_DB_DSN", "./orbitmesh.db"), "database DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", config.EnvOrDefault("ORBITMESH_SECRET_KEY", ""), "master secret key for encrypting job payloads at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("ORBITMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logFormat, "log-format", config.EnvOrDefault("ORBITMESH_LOG_FORMAT", "json"), "log format (json or console)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", config.EnvOrDefault("ORBITMESH_DATA_DIR", "./data"), "directory for coordinator data (JWT keys)")
	root.PersistentFlags().StringVar(&cfg.agentToken, "agent-secret", config.EnvOrDefault("ORBITMESH_AGENT_SECRET", ""), "shared secret for gRPC agent authentication (empty = disabled, dev only)")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", config.EnvOrDefault("ORBITMESH_OIDC_ISSUER", ""), "external OIDC issuer URL for administrative API auth (empty = OIDC backend disabled)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", config.EnvOrDefault("ORBITMESH_OIDC_CLIENT_ID", ""), "OIDC client ID checked against the token audience")
	root.PersistentFlags().StringVar(&cfg.oidcRoleClaim, "oidc-role-claim", config.EnvOrDefault("ORBITMESH_OIDC_ROLE_CLAIM", ""), "ID token claim carrying the caller's role (empty = every OIDC caller gets --oidc-default-role)")
	root.PersistentFlags().StringVar(&cfg.oidcDefaultRole, "oidc-default-role", config.EnvOrDefault("ORBITMESH_OIDC_DEFAULT_ROLE", "operator"), "role assigned to an OIDC caller when oidc-role-claim is unset or absent from the token")
	root.PersistentFlags().StringVar(&cfg.smtpHost, "smtp-host", config.EnvOrDefault("ORBITMESH_SMTP_HOST", ""), "SMTP host for workflow Notify steps targeting the email channel (empty = email channel disabled)")
	root.PersistentFlags().IntVar(&cfg.smtpPort, "smtp-port", config.EnvIntOrDefault("ORBITMESH_SMTP_PORT", 587), "SMTP port")
	root.PersistentFlags().StringVar(&cfg.smtpUsername, "smtp-username", config.EnvOrDefault("ORBITMESH_SMTP_USERNAME", ""), "SMTP auth username")
	root.PersistentFlags().StringVar(&cfg.smtpPassword, "smtp-password", config.EnvOrDefault("ORBITMESH_SMTP_PASSWORD", ""), "SMTP auth password")
	root.PersistentFlags().StringVar(&cfg.smtpFrom, "smtp-from", config.EnvOrDefault("ORBITMESH_SMTP_FROM", ""), "From address for Notify-step emails")
	root.PersistentFlags().BoolVar(&cfg.smtpTLS, "smtp-tls", config.EnvBool("ORBITMESH_SMTP_TLS", false), "use implicit TLS (SMTPS) for the email channel")
	root.PersistentFlags().StringVar(&cfg.webhookSecret, "webhook-secret", config.EnvOrDefault("ORBITMESH_WEBHOOK_SECRET", ""), "HMAC-SHA256 secret for signing Notify-step webhook deliveries (empty = unsigned)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmeshd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cmdConfig) error {
	logger, err := obslog.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or ORBITMESH_SECRET_KEY")
	}

	logger.Info("starting orbitmesh coordinator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so that
	// EncryptedBytes columns (job payloads and results) encrypt/decrypt
	// transparently on read/write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := store.New(store.Config{
		Driver: store.Driver(cfg.dbDriver),
		DSN:    cfg.dbDSN,
		Logger: obslog.NewGORMLogger(logger, gormLogLevel(cfg.logLevel)),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	st := store.NewStore(gormDB)

	// --- 3. Event bus ---
	bus := eventbus.New()
	go bus.Run(ctx)

	// --- 4. Registry ---
	reg := registry.New(st, bus, logger, registry.Config{})

	// --- 5. Dispatcher ---
	disp, err := dispatcher.New(st, bus, reg, logger, dispatcher.Config{})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	disp.Start(ctx)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := disp.Stop(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Workflow engine ---
	engine, err := workflow.New(st, bus, disp, logger)
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}
	engine.SetNotifier(buildNotifier(cfg))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Warn("workflow engine shutdown error", zap.Error(err))
		}
	}()

	// --- 7. JWT manager ---
	// Persistent RSA keys live under data-dir so administrative tokens
	// survive a restart; missing key files fall back to ephemeral
	// in-memory keys for development, same tradeoff the teacher's
	// buildJWTManager makes.
	jwtMgr, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// --- 7b. OIDC (optional second administrative API authenticator) ---
	// Issuer discovery happens once, here, rather than per-request: a
	// failure aborts startup, the same as a database that never comes up.
	// main exits with status 1 for this as for every other startup error.
	var oidcVerifier *authoidc.Verifier
	if cfg.oidcIssuer != "" {
		oidcVerifier, err = authoidc.New(ctx, authoidc.Config{
			Issuer:      cfg.oidcIssuer,
			ClientID:    cfg.oidcClientID,
			RoleClaim:   cfg.oidcRoleClaim,
			DefaultRole: authjwt.Role(cfg.oidcDefaultRole),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize OIDC authenticator: %w", err)
		}
		logger.Info("administrative API OIDC backend enabled", zap.String("issuer", cfg.oidcIssuer))
	}

	// --- 8. Metrics ---
	metrics := obsmetrics.New(bus)
	go metrics.Run(ctx)

	// --- 9. gRPC session server ---
	auth := grpctransport.NewSharedSecretAuthenticator(cfg.agentToken)
	if cfg.agentToken == "" {
		logger.Warn("agent-secret not configured — gRPC sessions are unauthenticated (set ORBITMESH_AGENT_SECRET in production)")
	}
	grpcSrv := grpctransport.New(reg, disp, auth, logger)

	go func() {
		if err := grpcSrv.ListenAndServe(ctx, cfg.grpcAddr); err != nil {
			logger.Error("grpc server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 10. Administrative HTTP API ---
	router := api.NewRouter(api.RouterConfig{
		Store:      st,
		Registry:   reg,
		Dispatcher: disp,
		Engine:     engine,
		Bus:        bus,
		JWTMgr:     jwtMgr,
		OIDC:       oidcVerifier,
		Metrics:    metrics,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down orbitmesh coordinator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("orbitmesh coordinator stopped")
	return nil
}

// buildNotifier wires the SMTP config flags into a notify.Dispatcher for
// workflow Notify steps. The email channel is left unconfigured (every
// send fails with notify.ErrSendFailed) when no SMTP host is set; the
// webhook channel always works since it needs no credentials, only an
// optional signing secret.
func buildNotifier(cfg *cmdConfig) *notify.Dispatcher {
	var smtpCfg *notify.SMTPConfig
	if cfg.smtpHost != "" {
		smtpCfg = &notify.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     cfg.smtpPort,
			Username: cfg.smtpUsername,
			Password: cfg.smtpPassword,
			From:     cfg.smtpFrom,
			TLS:      cfg.smtpTLS,
		}
	}
	return notify.New(smtpCfg, cfg.webhookSecret)
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*authjwt.Manager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return authjwt.NewManagerFromFiles(privPath, pubPath, "orbitmeshd")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return authjwt.NewManagerGenerated("orbitmeshd")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}
