package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lobby/internal/auth"
	"github.com/MarcoPoloResearchLab/lobby/internal/config"
	"github.com/MarcoPoloResearchLab/lobby/internal/database"
	"github.com/MarcoPoloResearchLab/lobby/internal/logging"
	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"github.com/MarcoPoloResearchLab/lobby/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lobby-api",
		Short: "Lobby realtime presence backend",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed for CORS and websocket upgrades")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Store backend (sqlite, memory)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("identity.token_ttl"), "Identity token lifetime")
	cmd.PersistentFlags().Duration("idle-threshold", defaults.GetDuration("presence.idle_threshold"), "Cursor gap after which a client counts as idle")
	cmd.PersistentFlags().Int("realtime-buffer", defaults.GetInt("realtime.buffer_size"), "Per-subscriber change buffer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "identity.signing_secret", "signing-secret")
	bindFlag(cmd, "identity.token_ttl", "token-ttl")
	bindFlag(cmd, "presence.idle_threshold", "idle-threshold")
	bindFlag(cmd, "realtime.buffer_size", "realtime-buffer")
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

	store, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	identityIssuer, err := auth.NewIdentityIssuer(auth.IdentityIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:         store,
		IdleThreshold: appConfig.IdleThreshold,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		PresenceService: presenceService,
		Identities:      identityIssuer,
		Realtime:        server.NewRealtimeDispatcher(appConfig.RealtimeBufferSize),
		Clock:           time.Now,
		CookieName:      appConfig.CookieName,
		AllowedOrigins:  appConfig.AllowedOrigins,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Websocket sessions are hijacked and outlive Shutdown; cancelling the
	// base context closes them.
	serveCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return serveCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Duration("idle_threshold", presenceService.IdleThreshold()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		cancelSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore builds the configured store. Durable stores start with every user
// offline since no connection survives a restart.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (presence.Store, func(), error) {
	if appConfig.DatabaseDriver == config.DatabaseDriverMemory {
		return presence.NewMemoryStore(), func() {}, nil
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := database.NewStore(db, logger)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	reset, err := store.ResetPresence(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if reset > 0 {
		logger.Info("marked users offline after restart", zap.Int64("users", reset))
	}
	return store, func() { sqlDB.Close() }, nil
}
