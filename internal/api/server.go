package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/api/handlers"
	"example.com/backstage/services/possync/internal/cache"
	"example.com/backstage/services/possync/internal/jobs"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	jobStore   *jobs.Store
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, jobStore *jobs.Store, jobCache *cache.RedisCache, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:   cfg,
		jobStore: jobStore,
		tracer:   tracer,
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	importHandler := handlers.NewImportHandler(jobStore, jobCache, tracer)
	importHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(collector, tracer)
	metricsHandler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server.router = router
	server.httpServer = &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}

	return server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	return nil
}
