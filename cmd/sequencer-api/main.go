package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/storage"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sequencer-api",
		Short: "Sequencer checkpoint and thread service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the latest-checkpoint cache (disabled when empty)")
	cmd.PersistentFlags().String("storage-endpoint", "", "S3-compatible endpoint for render uploads (disabled when empty)")
	cmd.PersistentFlags().String("storage-bucket", "", "Bucket for render uploads")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "storage.bucket", "storage-bucket")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(databaseConfig(appConfig), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func databaseConfig(appConfig config.AppConfig) database.Config {
	return database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(databaseConfig(appConfig), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	apiKeys, err := auth.NewAPIKeyVerifier(appConfig.APIKey)
	if err != nil {
		return err
	}

	serviceConfig := checkpoints.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: checkpoints.NewUUIDProvider(),
		Logger:     logger,
	}
	if appConfig.RedisURL != "" {
		latestCache, err := cache.NewLatestCache(appConfig.RedisURL, appConfig.CacheTTL)
		if err != nil {
			return err
		}
		defer latestCache.Close()
		serviceConfig.LatestCache = latestCache
		logger.Info("latest checkpoint cache enabled", zap.Duration("ttl", appConfig.CacheTTL))
	}
	checkpointService, err := checkpoints.NewService(serviceConfig)
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		TokenManager:   tokenManager,
		APIKeys:        apiKeys,
		Checkpoints:    checkpointService,
		Users:          userService,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.Storage.Enabled() {
		renderStore, err := storage.NewRenderStore(storage.S3Config{
			Endpoint:      appConfig.Storage.Endpoint,
			Region:        appConfig.Storage.Region,
			Bucket:        appConfig.Storage.Bucket,
			AccessKey:     appConfig.Storage.AccessKey,
			SecretKey:     appConfig.Storage.SecretKey,
			UseSSL:        appConfig.Storage.UseSSL,
			PublicBaseURL: appConfig.Storage.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		deps.Renders = renderStore
		logger.Info("render uploads enabled", zap.String("bucket", appConfig.Storage.Bucket))
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
