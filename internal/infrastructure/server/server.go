package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/component"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Source is what the admin interface reports on
type Source interface {
	Name() string
	Stats() component.Stats
	Faults() []supervisor.Record
	Metrics() *monitoring.Metrics
	Gatherer() prometheus.Gatherer
}

// Server is the admin HTTP interface of a component
type Server struct {
	router *gin.Engine
	http   *http.Server
	source Source
	logger *zap.Logger
	cfg    config.AdminConfig
}

// New creates the admin server and registers its routes
func New(cfg config.AdminConfig, src Source, logger *zap.Logger, development bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(src.Metrics()))
	if len(cfg.AllowOrigins) > 0 {
		router.Use(CORS(cfg.AllowOrigins))
	}
	if cfg.RequestsPerSecond > 0 {
		router.Use(RateLimit(cfg.RequestsPerSecond, cfg.Burst))
	}

	s := &Server{
		router: router,
		source: src,
		logger: logger,
		cfg:    cfg,
	}

	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	router.GET("/faults", s.faults)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(src.Gatherer(), promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin server", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"component": s.source.Name(),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Stats())
}

// faults lists unresolved-fault records, newest last. ?pd= filters by
// protection domain and ?limit= keeps the most recent n.
func (s *Server) faults(c *gin.Context) {
	records := s.source.Faults()

	if pd := c.Query("pd"); pd != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.PD == pd {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit < len(records) {
			records = records[len(records)-limit:]
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"faults": records,
		"count":  len(records),
	})
}
