package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/config"
	"github.com/emngarcia/me-board/internal/logger"
	"github.com/emngarcia/me-board/internal/metrics"
	"github.com/emngarcia/me-board/internal/server"
)

func main() {
	cfgPath := flag.String("config", envOr("CONFIG_PATH", "configs/config.yml"), "path to the YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() {
		_ = log.Sync() // Flushes buffer, if any
	}()

	if err := cfg.Validate(config.RoleAPI); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.NewServer(cfg, metrics.New(), log)
	if err := srv.Run(ctx, ":"+cfg.Server.Port); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}

	log.Info("Application stopped.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
