package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/spherify/collab/internal/auth"
	"github.com/spherify/collab/internal/collab"
	"github.com/spherify/collab/internal/config"
	"github.com/spherify/collab/internal/database"
	"github.com/spherify/collab/internal/documents"
	"github.com/spherify/collab/internal/logging"
	"github.com/spherify/collab/internal/metrics"
	"github.com/spherify/collab/internal/presence"
	"github.com/spherify/collab/internal/server"
	"github.com/spherify/collab/internal/users"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load(".env")

	rootCmd := &cobra.Command{
		Use:   "spherify-collab",
		Short: "Spherify real-time collaboration server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Document store (sqlite, mongo, pebble, s3, memory)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().String("mongo-uri", defaults.GetString("store.mongo_uri"), "MongoDB connection URI")
	cmd.PersistentFlags().String("pebble-path", defaults.GetString("store.pebble_path"), "Pebble data directory")
	cmd.PersistentFlags().String("s3-bucket", defaults.GetString("store.s3_bucket"), "S3 bucket holding documents")
	cmd.PersistentFlags().Duration("persist-interval", defaults.GetDuration("collab.persist_interval"), "Interval between document flushes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.sqlite_path", "sqlite-path")
	bindFlag(cmd, "store.mongo_uri", "mongo-uri")
	bindFlag(cmd, "store.pebble_path", "pebble-path")
	bindFlag(cmd, "store.s3_bucket", "s3-bucket")
	bindFlag(cmd, "collab.persist_interval", "persist-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(appConfig.Store.SQLitePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, closeStore, err := documents.Open(signalCtx, documents.Options{
		Driver:        appConfig.Store.Driver,
		Database:      db,
		MongoURI:      appConfig.Store.MongoURI,
		MongoDatabase: appConfig.Store.MongoDatabase,
		PebblePath:    appConfig.Store.PebblePath,
		S3Bucket:      appConfig.Store.S3Bucket,
		S3Prefix:      appConfig.Store.S3Prefix,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := closeStore(closeCtx); err != nil {
			logger.Warn("document store close failed", zap.Error(err))
		}
	}()

	collectors := metrics.New()

	directory, err := users.NewService(users.ServiceConfig{
		Database:  db,
		CacheSize: appConfig.Directory.CacheSize,
		CacheTTL:  appConfig.Directory.CacheTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	registry := collab.NewRegistry(collab.RegistryConfig{
		Directory:      directory,
		HeartbeatGrace: appConfig.Collab.HeartbeatGrace,
		SweepInterval:  appConfig.Collab.HeartbeatInterval,
		Metrics:        collectors,
		Logger:         logger,
	})
	relay, err := collab.NewRelay(collab.RelayConfig{
		Registry:         registry,
		Store:            store,
		PersistInterval:  appConfig.Collab.PersistInterval,
		OperationTimeout: appConfig.Store.OperationTimeout,
		Metrics:          collectors,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	reconciler := presence.NewReconciler(presence.Config{
		NormalDelay:  appConfig.Presence.NormalDelay,
		ReloadDelay:  appConfig.Presence.ReloadDelay,
		ReloadWindow: appConfig.Presence.ReloadWindow,
		DedupeWindow: appConfig.Presence.DedupeWindow,
		Metrics:      collectors,
		Logger:       logger,
	})
	defer reconciler.Close()

	hubConfig := server.HubConfig{
		Registry:        registry,
		Relay:           relay,
		Presence:        reconciler,
		SendQueue:       appConfig.Websocket.SendQueue,
		EventsPerSecond: appConfig.Websocket.EventsPerSecond,
		EventBurst:      appConfig.Websocket.EventBurst,
		Metrics:         collectors,
		Logger:          logger,
	}
	if appConfig.Auth.SigningSecret != "" {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			Issuer:        appConfig.Auth.Issuer,
			CookieName:    appConfig.Auth.CookieName,
		})
		if err != nil {
			return err
		}
		hubConfig.Validator = validator
		hubConfig.Identities = directory
	} else {
		logger.Warn("session validation disabled; connections identify themselves on join")
	}

	hub, err := server.NewHub(hubConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:      hub,
		Registry: registry,
		Presence: reconciler,
		Metrics:  collectors,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	go registry.Run(signalCtx, hub)
	go func() {
		if err := reconciler.RunGC(signalCtx, appConfig.Presence.GCCron, appConfig.Presence.Retention); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("presence gc stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.Store.Driver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	// Websockets are hijacked, so Shutdown leaves them open.
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown failed", zap.Error(err))
	}
	// Final flush of every live document before the store closes.
	if err := relay.Close(shutdownCtx); err != nil {
		logger.Error("document flush on shutdown failed", zap.Error(err))
	}
	return serveErr
}
