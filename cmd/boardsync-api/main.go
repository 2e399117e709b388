package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/collabcanvas/boardsync/backend/internal/assets"
	"github.com/collabcanvas/boardsync/backend/internal/auth"
	"github.com/collabcanvas/boardsync/backend/internal/board"
	"github.com/collabcanvas/boardsync/backend/internal/config"
	"github.com/collabcanvas/boardsync/backend/internal/database"
	"github.com/collabcanvas/boardsync/backend/internal/export"
	"github.com/collabcanvas/boardsync/backend/internal/logging"
	"github.com/collabcanvas/boardsync/backend/internal/presence"
	"github.com/collabcanvas/boardsync/backend/internal/realtime"
	"github.com/collabcanvas/boardsync/backend/internal/server"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardsync-api",
		Short: "BoardSync collaborative whiteboard backend service",
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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the shared presence mirror")
	cmd.PersistentFlags().String("asset-service-url", defaults.GetString("asset.service_url"), "Asset library service base URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "asset.service_url", "asset-service-url")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
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

	var db *gorm.DB
	switch appConfig.DatabaseDriver {
	case "postgres":
		db, err = database.OpenPostgres(appConfig.DatabaseDSN, logger)
	default:
		db, err = database.OpenSQLite(appConfig.DatabasePath, logger)
	}
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "boardsync-auth",
		Audience:      "boardsync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	var assetClient *assets.Client
	if appConfig.AssetServiceURL != "" {
		assetClient, err = assets.NewClient(assets.ClientConfig{
			BaseURL: appConfig.AssetServiceURL,
			Timeout: appConfig.AssetTimeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
	}

	var mirror *presence.Mirror
	if appConfig.RedisAddress != "" {
		mirror = presence.NewMirror(presence.MirrorConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Logger:   logger,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			cancel()
			return err
		}
		cancel()
		defer mirror.Close()
	}

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})
	defer hub.Shutdown()

	boardConfig := board.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: board.NewUUIDProvider(),
		Events:     hub,
		Logger:     logger,
	}
	if assetClient != nil {
		boardConfig.Assets = assetClient
	}
	boardService, err := board.NewService(boardConfig)
	if err != nil {
		return err
	}

	exporterConfig := export.ExporterConfig{
		Store: boardService,
		Renderer: export.NewRenderer(export.RendererConfig{
			CanvasWidth:  appConfig.CanvasWidth,
			CanvasHeight: appConfig.CanvasHeight,
		}),
		Logger: logger,
	}
	if assetClient != nil {
		exporterConfig.Assets = assetClient
	}
	exporter, err := export.NewExporter(exporterConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenManager,
		BoardService:   boardService,
		Exporter:       exporter,
		Hub:            hub,
		Mirror:         mirror,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
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
