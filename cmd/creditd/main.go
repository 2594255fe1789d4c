package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/6829nkhpas/Credit-Based-SaaS/internal/chain"
	"github.com/6829nkhpas/Credit-Based-SaaS/internal/httpserver"
	"github.com/6829nkhpas/Credit-Based-SaaS/internal/store/gormstore"
	"github.com/6829nkhpas/Credit-Based-SaaS/pkg/credits"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagStartingBalance    = "starting-balance"
	flagSigningKey         = "session-signing-key"
	flagAllowedOrigins     = "allowed-origins"
	flagChainGatewayURL    = "chain-gateway-url"
	flagChainAPIKey        = "chain-api-key"
	flagChainContract      = "chain-token-contract"
	flagChainSinkAddress   = "chain-sink-address"
	flagChainPollInterval  = "chain-poll-interval"
	flagChainSubmitTimeout = "chain-submit-timeout"

	defaultDatabaseURL    = "sqlite:///tmp/creditd.db"
	defaultHTTPListenAddr = ":8080"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	StartingBalance    int64
	SigningKey         string
	AllowedOrigins     []string
	ChainGatewayURL    string
	ChainAPIKey        string
	ChainContract      string
	ChainSinkAddress   string
	ChainPollInterval  time.Duration
	ChainSubmitTimeout time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger service with blockchain mirroring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().Int64(flagStartingBalance, credits.DefaultStartingBalance, "Balance seeded on first account reference")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for validating session tokens")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagChainGatewayURL, "", "Chain signing-gateway base URL (empty disables mirroring)")
	cmd.Flags().String(flagChainAPIKey, "", "Chain gateway API key")
	cmd.Flags().String(flagChainContract, "", "Deployed token contract address")
	cmd.Flags().String(flagChainSinkAddress, "", "Fixed sink address for mirror transfers")
	cmd.Flags().Duration(flagChainPollInterval, 15*time.Second, "Confirmation polling interval")
	cmd.Flags().Duration(flagChainSubmitTimeout, 5*time.Second, "Chain submission timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:        "DATABASE_URL",
		flagListenAddr:         "HTTP_LISTEN_ADDR",
		flagStartingBalance:    "STARTING_BALANCE",
		flagSigningKey:         "SESSION_SIGNING_KEY",
		flagAllowedOrigins:     "ALLOWED_ORIGINS",
		flagChainGatewayURL:    "CHAIN_GATEWAY_URL",
		flagChainAPIKey:        "CHAIN_API_KEY",
		flagChainContract:      "CHAIN_TOKEN_CONTRACT",
		flagChainSinkAddress:   "CHAIN_SINK_ADDRESS",
		flagChainPollInterval:  "CHAIN_POLL_INTERVAL",
		flagChainSubmitTimeout: "CHAIN_SUBMIT_TIMEOUT",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString("listen_addr")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.StartingBalance = viper.GetInt64("starting_balance")
	cfg.SigningKey = viper.GetString("session_signing_key")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.ChainGatewayURL = viper.GetString("chain_gateway_url")
	cfg.ChainAPIKey = viper.GetString("chain_api_key")
	cfg.ChainContract = viper.GetString("chain_token_contract")
	cfg.ChainSinkAddress = viper.GetString("chain_sink_address")
	cfg.ChainPollInterval = viper.GetDuration("chain_poll_interval")
	cfg.ChainSubmitTimeout = viper.GetDuration("chain_submit_timeout")

	if cfg.SigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.ChainGatewayURL != "" && cfg.ChainSinkAddress == "" {
		return fmt.Errorf("chain sink address is required when mirroring is enabled")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB, cfg.StartingBalance)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	var mirror *chain.Mirror
	serviceOptions := []credits.ServiceOption{
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}),
	}
	if cfg.ChainGatewayURL != "" {
		client, clientErr := chain.NewGatewayClient(chain.GatewayConfig{
			BaseURL:         cfg.ChainGatewayURL,
			APIKey:          cfg.ChainAPIKey,
			ContractAddress: cfg.ChainContract,
			HTTPTimeout:     cfg.ChainSubmitTimeout,
		})
		if clientErr != nil {
			return fmt.Errorf("chain client init: %w", clientErr)
		}
		mirror, err = chain.NewMirror(client, store, logger, chain.MirrorConfig{
			SinkAddress:   cfg.ChainSinkAddress,
			SubmitTimeout: cfg.ChainSubmitTimeout,
			PollInterval:  cfg.ChainPollInterval,
		}, clock)
		if err != nil {
			return fmt.Errorf("mirror init: %w", err)
		}
		mirror.Start(ctx)
		defer mirror.Stop()
		serviceOptions = append(serviceOptions, credits.WithMirror(mirror))
	} else {
		logger.Warn("blockchain mirroring disabled, audit entries will keep null tx refs")
	}

	creditService, err := credits.NewService(store, credits.NewCatalog(), clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	server := httpserver.New(logger, creditService, mirror, httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SigningKey,
	})
	return server.Run(ctx)
}

// zapOperationLogger adapts zap to the domain OperationLogger callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("action", entry.Action.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
