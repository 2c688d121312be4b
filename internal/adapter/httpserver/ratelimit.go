package httpserver

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/pledgeboard/internal/platform/errors"
	"golang.org/x/time/rate"
)

const upgradeLimiterExpiry = 5 * time.Minute

// upgradeLimit throttles WebSocket upgrades per client IP so a viewer stuck in
// a reconnect loop cannot monopolise the hub. Submissions are throttled by
// the ledger instead.
type upgradeLimit struct {
	perSecond float64
	burst     int
}

func (l upgradeLimit) retryAfter() string {
	if l.perSecond <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / l.perSecond)))
}

func newRateLimiter(limit upgradeLimit, clock clockwork.Clock) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(limit.perSecond),
		Burst:     limit.burst,
		ExpiresIn: upgradeLimiterExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			slog.WarnContext(c.Request().Context(), "WebSocket upgrade throttled", "client_ip", identifier)
			c.Response().Header().Set("Retry-After", limit.retryAfter())

			body := apperrors.New(apperrors.TypeRateLimit).ToResponse(clock.Now())
			if err := c.JSON(http.StatusTooManyRequests, body); err != nil {
				return fmt.Errorf("failed to write throttle response: %w", err)
			}
			return nil
		},
	})
}
