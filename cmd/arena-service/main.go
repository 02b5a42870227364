package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aipilot/internal/arena/app"
	"aipilot/internal/arena/controller"
	commonmw "aipilot/internal/common/http/middleware"
	"aipilot/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/arena.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "arena-service: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load app config failed: %w", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	arena, err := app.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "init arena failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := arena.Close(); err != nil {
			logger.Warn(context.Background(), "close arena backends failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := arena.UploadConsumer(ctx)
	if err != nil {
		logger.Error(ctx, "subscribe upload topic failed", zap.Error(err))
		return err
	}
	if consumer != nil {
		if err := arena.Queue.Start(); err != nil {
			logger.Error(ctx, "start kafka consumer failed", zap.Error(err))
			return err
		}
	}

	httpServer := buildHTTPServer(cfg.Server, arena)
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return err
	}

	arena.Waker.Start()
	arena.Loop.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "arena http server started", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "http server shutdown failed", zap.Error(err))
		}
		if arena.Queue != nil {
			_ = arena.Queue.Stop()
		}
		arena.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "arena service stopped", zap.Error(err))
		return err
	}
	return nil
}

func buildHTTPServer(cfg app.ServerConfig, arena *app.App) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	checks := []controller.HealthCheck{{Name: "database", Ping: arena.DB.Ping}}
	if arena.Cache != nil {
		checks = append(checks, controller.HealthCheck{Name: "cache", Ping: arena.Cache.Ping})
	}
	controller.NewHealthController(checks...).RegisterRoutes(router)
	controller.NewArenaController(arena.Jobs, arena.Stats).RegisterRoutes(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
