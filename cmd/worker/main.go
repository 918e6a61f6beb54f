package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/classifier"
	"github.com/emngarcia/me-board/internal/config"
	"github.com/emngarcia/me-board/internal/event_processor"
	"github.com/emngarcia/me-board/internal/logger"
	"github.com/emngarcia/me-board/internal/metrics"
	"github.com/emngarcia/me-board/internal/ml_client"
	"github.com/emngarcia/me-board/internal/repository"
	"github.com/emngarcia/me-board/internal/retry"
)

// startupTimeout bounds model loading and the first database ping.
const startupTimeout = 2 * time.Minute

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

	if err := cfg.Validate(config.RoleWorker); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	defer startupCancel()

	// Storage
	store, err := repository.NewStore(startupCtx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	if err := store.Ping(startupCtx); err != nil {
		log.Warn("Store ping failed, continuing", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	m := metrics.New()

	// Models are loaded once; the loop reuses them for every batch.
	primary, err := loadModel(startupCtx, cfg, cfg.Model.ServerURL, cfg.Model.Name, cfg.Model.Version, m, log)
	if err != nil {
		log.Fatal("Failed to load primary model", zap.String("model", cfg.Model.Name), zap.Error(err))
	}

	var secondary classifier.Classifier
	if cfg.CascadeEnabled() {
		model2, err := loadModel(startupCtx, cfg, cfg.SecondaryURL(), cfg.Model.SecondaryName, cfg.Model.SecondaryVersion, m, log)
		if err != nil {
			log.Fatal("Failed to load secondary model", zap.String("model", cfg.Model.SecondaryName), zap.Error(err))
		}
		secondary = model2
		log.Info("Cascade enabled", zap.String("trigger", cfg.Model.CascadeTrigger))
	}
	startupCancel()

	cascade := classifier.NewCascade(primary, secondary, cfg.Model.CascadeTrigger)
	processor := event_processor.NewProcessor(store, cascade, event_processor.OptionsFromConfig(cfg), m, log)

	metricsSrv := newMetricsServer(cfg.Worker.MetricsPort, store, m)
	if metricsSrv != nil {
		go func() {
			log.Info("Metrics server starting...", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	processor.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("Application stopped.")
}

func loadModel(ctx context.Context, cfg *config.Config, serverURL, name, version string, m *metrics.Metrics, log *zap.Logger) (*classifier.Model, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Model.MaxRetries

	client := ml_client.NewClient(ml_client.ClientConfig{
		BaseURL:           serverURL,
		Token:             cfg.Model.Token,
		Timeout:           cfg.Model.Timeout,
		Retry:             retryCfg,
		RequestsPerSecond: cfg.Model.RequestsPerSecond,
	}, log.With(zap.String("model", name)))

	if err := client.Health(ctx); err != nil {
		return nil, err
	}

	model, err := classifier.LoadModel(ctx, client, name, version, cfg.Model.MaxLength, log)
	if err != nil {
		return nil, err
	}
	model.ObserveWith(m.ObserveInference)
	return model, nil
}

// newMetricsServer serves /metrics and /healthz. An empty or "0" port disables it.
func newMetricsServer(port string, store repository.Store, m *metrics.Metrics) *http.Server {
	if port == "" || port == "0" {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
