package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"devicelink/internal/auth"
	"devicelink/internal/config"
	"devicelink/internal/hub"
	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/metrics"
	"devicelink/internal/middleware"
	"devicelink/internal/server"
	"devicelink/internal/store"
	"devicelink/internal/store/sqlstore"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logx.New(logx.Config{
		Service: "devicelink",
		Version: version,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "devicelink",
	}

	h := hub.NewWithLogger(logger)
	m := metrics.New(h.Subscribers)

	svc, err := linking.NewService(linking.Options{
		Repo:        repo,
		Notifier:    h,
		Issuer:      auth.DeviceIssuer{Config: tokenCfg},
		Observer:    m,
		Logger:      logger,
		TTL:         cfg.LinkSessionTTL,
		CodeBaseURL: cfg.LinkCodeBase,
	})
	if err != nil {
		return err
	}

	sweeper := linking.NewSweeper(svc, logger, cfg.SweepInterval, cfg.TerminalRetention)
	sweeper.Start()
	defer sweeper.Stop()

	router := server.NewRouter(server.Deps{
		Repo:          repo,
		Service:       svc,
		Hub:           h,
		Metrics:       m,
		TokenConfig:   tokenCfg,
		Logger:        logger,
		CreateLimiter: middleware.NewRateLimiter(cfg.CreateRateLimit, cfg.CreateRateWindow),
	})

	return server.Run(ctx, cfg, router, logger)
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	var dialect sqlstore.Dialect
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		dialect = sqlstore.DialectSQLite
	case config.StorePostgres:
		dialect = sqlstore.DialectPostgres
	default:
		logger.Info("using memory store", "state_file", cfg.StateFile)
		return store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logger}), nil
	}

	db, err := sqlstore.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	logger.Info("using sql store", "dialect", dialect)
	return db, nil
}
