// Package httpserver exposes the operational HTTP endpoints: liveness,
// readiness, and Prometheus metrics.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// readinessTimeout bounds the combined dependency probes behind /readyz.
const readinessTimeout = 5 * time.Second

// ReadinessCheck probes a single dependency for /readyz.
type ReadinessCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config holds ops server configuration.
type Config struct {
	Port int
}

// Server serves the operational endpoints.
type Server struct {
	echo   *echo.Echo
	logger *logging.Logger
	config *Config
	checks []ReadinessCheck
}

// New creates the ops server with the given readiness checks.
func New(cfg *Config, logger *logging.Logger, checks ...ReadinessCheck) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		logger: logger,
		config: cfg,
		checks: checks,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the body for GET /readyz.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady probes each registered dependency. Any failure flips the
// response to 503 so load balancers stop routing before the process dies.
func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK

	for _, check := range s.checks {
		if err := check.Probe(ctx); err != nil {
			s.logger.Warn(ctx, "readiness probe failed",
				zap.String("check", check.Name),
				zap.Error(err),
			)
			resp.Checks[check.Name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[check.Name] = "ok"
	}

	return c.JSON(status, resp)
}

// Start begins serving. Blocks until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info(context.Background(), "starting ops http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down ops http server")
	return s.echo.Shutdown(ctx)
}
