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

	"github.com/MarkoPoloResearchLab/smilecredit/internal/camera"
	"github.com/MarkoPoloResearchLab/smilecredit/internal/ethwallet"
	"github.com/MarkoPoloResearchLab/smilecredit/internal/faceapi"
	"github.com/MarkoPoloResearchLab/smilecredit/internal/httpapi"
	"github.com/MarkoPoloResearchLab/smilecredit/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagListenAddr      = "listen-addr"
	flagDatabaseURL     = "database-url"
	flagInferenceURL    = "inference-url"
	flagRPCEndpoint     = "rpc-endpoint"
	flagContractAddress = "contract-address"
	flagFramePath       = "frame-path"
	flagRequestTimeout  = "request-timeout"
	flagSigningKey      = "session-signing-key"
	flagSessionIssuer   = "session-issuer"
	flagAllowedOrigins  = "allowed-origins"

	configKeyListenAddr      = "listen_addr"
	configKeyDatabaseURL     = "database_url"
	configKeyInferenceURL    = "inference_url"
	configKeyRPCEndpoint     = "rpc_endpoint"
	configKeyContractAddress = "contract_address"
	configKeyFramePath       = "frame_path"
	configKeyRequestTimeout  = "request_timeout"
	configKeySigningKey      = "session_signing_key"
	configKeySessionIssuer   = "session_issuer"
	configKeyAllowedOrigins  = "allowed_origins"

	defaultDatabaseURL  = "sqlite:///tmp/smilecredit.db"
	defaultInferenceURL = "http://localhost:5005"
	defaultRPCEndpoint  = "http://localhost:8545"
	defaultFramePath    = "/tmp/smilecredit-frame.png"
)

type runtimeConfig struct {
	ListenAddr      string
	DatabaseURL     string
	InferenceURL    string
	RPCEndpoint     string
	ContractAddress string
	FramePath       string
	RequestTimeout  time.Duration
	SigningKey      string
	SessionIssuer   string
	AllowedOrigins  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smiled: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "smiled",
		Short:         "Smile-to-earn session server",
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

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "Receipt store connection string")
	cmd.Flags().String(flagInferenceURL, defaultInferenceURL, "Expression inference service base URL")
	cmd.Flags().String(flagRPCEndpoint, defaultRPCEndpoint, "Ethereum JSON-RPC endpoint")
	cmd.Flags().String(flagContractAddress, "", "Reward pool contract address")
	cmd.Flags().String(flagFramePath, defaultFramePath, "Path the camera feeder writes frames to")
	cmd.Flags().Duration(flagRequestTimeout, 0, "Per-operation timeout (0 uses the server default)")
	cmd.Flags().String(flagSigningKey, "", "Session token signing key")
	cmd.Flags().String(flagSessionIssuer, "", "Session token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("SMILED")
	viper.AutomaticEnv()

	bindings := []struct {
		configKey string
		flagName  string
		envVar    string
	}{
		{configKeyListenAddr, flagListenAddr, "SMILED_LISTEN_ADDR"},
		{configKeyDatabaseURL, flagDatabaseURL, "SMILED_DATABASE_URL"},
		{configKeyInferenceURL, flagInferenceURL, "SMILED_INFERENCE_URL"},
		{configKeyRPCEndpoint, flagRPCEndpoint, "SMILED_RPC_ENDPOINT"},
		{configKeyContractAddress, flagContractAddress, "SMILED_CONTRACT_ADDRESS"},
		{configKeyFramePath, flagFramePath, "SMILED_FRAME_PATH"},
		{configKeyRequestTimeout, flagRequestTimeout, "SMILED_REQUEST_TIMEOUT"},
		{configKeySigningKey, flagSigningKey, "SMILED_SESSION_SIGNING_KEY"},
		{configKeySessionIssuer, flagSessionIssuer, "SMILED_SESSION_ISSUER"},
		{configKeyAllowedOrigins, flagAllowedOrigins, "SMILED_ALLOWED_ORIGINS"},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.configKey, binding.envVar); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.InferenceURL = viper.GetString(configKeyInferenceURL)
	cfg.RPCEndpoint = viper.GetString(configKeyRPCEndpoint)
	cfg.ContractAddress = viper.GetString(configKeyContractAddress)
	cfg.FramePath = viper.GetString(configKeyFramePath)
	cfg.RequestTimeout = viper.GetDuration(configKeyRequestTimeout)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.InferenceURL == "" {
		cfg.InferenceURL = defaultInferenceURL
	}
	if cfg.RPCEndpoint == "" {
		cfg.RPCEndpoint = defaultRPCEndpoint
	}
	if cfg.FramePath == "" {
		cfg.FramePath = defaultFramePath
	}
	if cfg.ContractAddress == "" {
		return fmt.Errorf("contract address is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	receipts := gormstore.New(gormDB)
	if migrateErr := receipts.AutoMigrate(); migrateErr != nil {
		return fmt.Errorf("auto migrate: %w", migrateErr)
	}

	apiCfg := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		RequestTimeout:    cfg.RequestTimeout,
	}
	if validateErr := apiCfg.Validate(); validateErr != nil {
		return fmt.Errorf("config: %w", validateErr)
	}

	classifier := faceapi.New(cfg.InferenceURL, apiCfg.RequestTimeout, logger)
	wallet, walletErr := ethwallet.New(ethwallet.Config{
		Endpoint:        cfg.RPCEndpoint,
		ContractAddress: cfg.ContractAddress,
		RequestTimeout:  apiCfg.RequestTimeout,
	}, logger)
	if walletErr != nil {
		return fmt.Errorf("wallet init: %w", walletErr)
	}

	operationLogger := httpapi.NewZapOperationLogger(logger)
	framePath := cfg.FramePath
	factory := func() (*smilecredit.Session, error) {
		device := camera.New(camera.NewFileSource(framePath), logger)
		return smilecredit.NewSession(
			device,
			classifier,
			wallet,
			smilecredit.WithReceiptStore(receipts),
			smilecredit.WithOperationLogger(operationLogger),
		)
	}
	manager, managerErr := httpapi.NewManager(factory)
	if managerErr != nil {
		return fmt.Errorf("session manager init: %w", managerErr)
	}

	return httpapi.Run(ctx, apiCfg, logger, manager, receipts)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "smilecredit.db"
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
