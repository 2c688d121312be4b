package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"github.com/pscheid92/pledgeboard/internal/app"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/pscheid92/pledgeboard/internal/platform/config"
	"github.com/prometheus/client_golang/prometheus"
)

type pledgeService interface {
	Submit(ctx context.Context, origin string, req domain.SubmitRequest) (*domain.SubmitResult, error)
	ConfirmOverwrite(ctx context.Context, id int64, newTarget string) (*domain.OverwriteResult, error)
	Clear(ctx context.Context, reason string) (int, error)
	Snapshot() domain.Snapshot
	Stats() app.Stats
}

type viewerHub interface {
	Register(conn *websocket.Conn) error
	Unregister(conn *websocket.Conn)
	ClientCount() int
}

type memorySampler interface {
	Sample() app.MemoryUsage
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	app    pledgeService
	hub    viewerHub
	memory memorySampler

	upgrader       websocket.Upgrader
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

func NewServer(cfg *config.Config, clock clockwork.Clock, app pledgeService, hub viewerHub, memory memorySampler, reg *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := newEcho()

	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          clock,
		app:            app,
		hub:            hub,
		memory:         memory,
		upgrader:       newUpgrader(),
		httpMetrics:    metrics.NewHTTPMetrics(reg),
		metricsHandler: metrics.Handler(reg),
		healthChecks:   healthChecks,
		startTime:      clock.Now(),
	}

	e.HTTPErrorHandler = srv.handleHTTPError
	srv.registerRoutes()

	return srv
}

// newEcho returns the router. Client addresses come from X-Forwarded-For only
// when the direct peer is a loopback, link-local or private proxy; any other
// peer is identified by its socket address, so a client cannot pick its own
// rate-limit origin.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPFromXFFHeader()
	return e
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// successResponse is the envelope for every successful API call.
type successResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) respond(c echo.Context, data any, message string) error {
	response := successResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
