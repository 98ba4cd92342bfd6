package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	adminhttp "github.com/GriffinCanCode/AetherOS/core/internal/api/http"
	"github.com/GriffinCanCode/AetherOS/core/internal/api/middleware"
	"github.com/GriffinCanCode/AetherOS/core/internal/api/ws"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/config"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
)

const shutdownTimeout = 10 * time.Second

// Server is the admin HTTP server in front of one kernel.
type Server struct {
	router *gin.Engine
	addr   string
	logger *zap.Logger
}

// NewServer builds the router: middleware, admin routes, the lifecycle
// event stream, and Prometheus metrics from gatherer.
func NewServer(cfg *config.Config, k *kernel.Kernel, logger *zap.Logger, metrics *monitoring.Metrics, gatherer prometheus.Gatherer) *Server {
	logger = logging.OrNop(logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(logger.Named("http")))
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.Admin.Origins
	router.Use(middleware.CORS(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	adminhttp.NewHandlers(k, logger.Named("admin")).Register(router)

	wsHandler := ws.NewHandler(k.Supervisor().Events(), logger.Named("stream")).WithMetrics(metrics)
	router.GET("/stream", wsHandler.HandleConnection)

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		router: router,
		addr:   cfg.Admin.Addr(),
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin server", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
