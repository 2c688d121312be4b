package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pledgeboard/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named dependency probe used by the startup and readiness
// endpoints.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthReport struct {
	Status string        `json:"status"`
	Uptime float64       `json:"uptime"`
	Checks []checkResult `json:"checks,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.probe(startupProbeTimeout))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.probe(readinessProbeTimeout))
	s.echo.GET("/version", s.handleVersion)
}

// handleLiveness never touches dependencies; a live process answers 200.
func (s *Server) handleLiveness(c echo.Context) error {
	return s.writeHealth(c, http.StatusOK, healthReport{Status: "ok", Uptime: s.uptime()})
}

// probe runs every check under timeout and reports each result. Any failure
// turns the response into 503.
func (s *Server) probe(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		report := healthReport{Status: "ready", Uptime: s.uptime()}
		status := http.StatusOK
		for _, hc := range s.healthChecks {
			result := checkResult{Name: hc.Name, OK: true}
			if err := hc.Check(ctx); err != nil {
				result = checkResult{Name: hc.Name, Error: err.Error()}
				report.Status = "unhealthy"
				status = http.StatusServiceUnavailable
			}
			report.Checks = append(report.Checks, result)
		}
		return s.writeHealth(c, status, report)
	}
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}

func (s *Server) writeHealth(c echo.Context, status int, report healthReport) error {
	if err := c.JSON(status, report); err != nil {
		return fmt.Errorf("failed to write health response: %w", err)
	}
	return nil
}

func (s *Server) uptime() float64 {
	return s.clock.Since(s.startTime).Seconds()
}
