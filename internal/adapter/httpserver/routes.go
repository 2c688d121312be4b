package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/pledgeboard/internal/platform/correlation"
)

var viewerUpgradeLimit = upgradeLimit{perSecond: 2, burst: 10}

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.corsMiddleware())
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.httpMetrics.Middleware())
	s.echo.Use(ErrorHandlingMiddleware(s.clock))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	s.registerHealthRoutes()
	s.registerAPIRoutes()

	s.echo.GET("/ws", s.handleWebSocket, newRateLimiter(viewerUpgradeLimit, s.clock))
	s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api")
	api.POST("/participant", s.handleSubmit)
	api.POST("/participant/confirm", s.handleConfirm)
	api.GET("/participants", s.handleListParticipants)
	api.DELETE("/participants", s.handleClear)
	api.GET("/stats", s.handleStats)
}

// corsMiddleware lets the submit, admin and display pages call /api from
// their own origin. It runs at the root so preflights for routes without an
// OPTIONS handler are still answered.
func (s *Server) corsMiddleware() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Request().URL.Path, "/api/")
		},
		AllowOrigins:  s.config.AllowedOrigins(),
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, correlation.HeaderName},
		ExposeHeaders: []string{correlation.HeaderName},
		MaxAge:        600,
	})
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
