package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/turnroom/internal/anticheat"
	"github.com/koopa0/turnroom/internal/audit"
	"github.com/koopa0/turnroom/internal/auth"
	"github.com/koopa0/turnroom/internal/config"
	"github.com/koopa0/turnroom/internal/engine"
	"github.com/koopa0/turnroom/internal/engine/gomoku"
	"github.com/koopa0/turnroom/internal/handler"
	"github.com/koopa0/turnroom/internal/matchmaking"
	"github.com/koopa0/turnroom/internal/moderation"
	"github.com/koopa0/turnroom/internal/room"
	"github.com/koopa0/turnroom/internal/ws"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 載入配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	level := config.ParseLogLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	var logger *slog.Logger
	if cfg.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	registry := engine.NewRegistry(gomoku.New())

	// 封禁與封鎖：有 Redis 時跨實例共享
	var store moderation.Store = moderation.NewMemory()
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		store = moderation.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
		logger.Info("moderation store ready", "backend", "redis", "addr", cfg.Redis.Addr)
	}

	// 稽核匯出
	var exporters []audit.Exporter
	if cfg.Postgres.Enabled {
		if err := audit.Migrate(cfg.Postgres.DSN, logger); err != nil {
			return err
		}
		pgConfig, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		exporters = append(exporters, audit.NewPostgresExporter(pool))
	}
	if cfg.NATS.Enabled {
		natsExporter, err := audit.NewNATSExporter(audit.NATSConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer natsExporter.Close()
		exporters = append(exporters, natsExporter)
	}
	auditLog := audit.NewLog(logger, exporters...)

	policy := room.SpectatorPolicy{
		Allow: cfg.Room.AllowSpectators,
		Limit: cfg.Room.SpectatorLimit,
		Delay: cfg.Room.SpectatorDelay,
	}
	monitor := anticheat.NewMonitor(logger)
	rooms := room.NewManager(registry, room.ManagerOptions{
		Bans:             store,
		Blocks:           store,
		Anomalies:        monitor,
		InviteCodeLength: cfg.Room.InviteCodeLength,
		DefaultPolicy:    policy,
		IdleTTL:          cfg.Room.IdleTTL,
		CleanupInterval:  cfg.Room.CleanupInterval,
	}, logger)
	queue := matchmaking.NewQueue(rooms, registry, store, logger)

	var authenticators auth.Chain
	if len(cfg.Auth.StaticTokens) > 0 {
		authenticators = append(authenticators, auth.StaticAuthenticator(cfg.Auth.StaticTokens))
	}
	if cfg.Auth.JWTSecret != "" {
		authenticators = append(authenticators, auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer))
	}

	gateway := ws.NewGateway(ws.GatewayParams{
		Rooms: rooms,
		Queue: queue,
		Audit: auditLog,
		Auth:  authenticators,
		Options: ws.ConnOptions{
			MaxMessageSize:  int64(cfg.Transport.MaxFrameSize),
			OutboundQueue:   cfg.Transport.OutboundQueue,
			WriteTimeout:    cfg.Transport.WriteTimeout,
			PingInterval:    cfg.Transport.PingInterval,
			ReadIdleTimeout: cfg.Transport.ReadIdleTimeout,
			MessageRate:     rate.Limit(cfg.Transport.MessageRate),
			MessageBurst:    cfg.Transport.MessageBurst,
		},
		DefaultPolicy: policy,
		Logger:        logger,
	})
	// 稽核先於廣播，客戶端看到的事件一定已經在鏈上
	rooms.AddListener(auditLog)
	rooms.AddListener(gateway)

	api := handler.NewHandler(handler.Params{
		Rooms:         rooms,
		Queue:         queue,
		Audit:         auditLog,
		Anomalies:     monitor,
		Moderation:    store,
		Auth:          authenticators,
		Gateway:       gateway,
		DefaultPolicy: policy,
	}, logger)
	mux := api.Routes()
	mux.Handle("GET "+cfg.Server.WSPath, gateway)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "ws_path", cfg.Server.WSPath)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 關閉 HTTP 伺服器；被 hijack 的 WebSocket 連線由閘道自行關閉
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				logger.Error("failed to force close server", "error", closeErr)
			}
		}
		if err := gateway.Stop(ctx); err != nil {
			logger.Error("failed to stop gateway", "error", err)
		}
		rooms.Stop()
		if err := auditLog.Close(ctx); err != nil {
			logger.Error("failed to flush audit exports", "error", err)
		}
	}
	return nil
}
