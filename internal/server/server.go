package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emngarcia/me-board/internal/config"
	"github.com/emngarcia/me-board/internal/handler"
	"github.com/emngarcia/me-board/internal/metrics"
	"github.com/emngarcia/me-board/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	router  *gin.Engine
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewServer(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Metrics(m))

	s := &Server{
		router:  router,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	entryHandler := handler.NewEntryHandler(s.log)

	s.router.GET("/", entryHandler.Health)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if secret := s.cfg.Auth.JWTSecret; secret != "" {
		s.router.POST("/analyze-entry", middleware.AuthMiddleware([]byte(secret), s.log), entryHandler.AnalyzeEntry)
	} else {
		s.router.POST("/analyze-entry", entryHandler.AnalyzeEntry)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server starting...", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("Server stopped")
	return nil
}
