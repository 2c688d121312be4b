package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/pscheid92/pledgeboard/internal/platform/correlation"
	apperrors "github.com/pscheid92/pledgeboard/internal/platform/errors"
)

// correlationMiddleware tags the request context with a request id and the
// client address. The id is echoed in the response header.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.HeaderName))
		c.Response().Header().Set(correlation.HeaderName, id)

		ctx := correlation.WithID(c.Request().Context(), id)
		ctx = correlation.WithOrigin(ctx, c.RealIP())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware converts handler errors into the failure envelope.
// echo.HTTPError passes through to the server's HTTPErrorHandler.
func ErrorHandlingMiddleware(clock clockwork.Clock) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return writeError(c, toAppError(err), clock)
		}
	}
}

// toAppError maps domain rejections onto API error types.
func toAppError(err error) *apperrors.Error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var fieldErr *domain.FieldError
	switch {
	case errors.As(err, &fieldErr):
		return apperrors.Wrap(apperrors.TypeInvalidFormat, err, fieldErr.Reasons...)
	case errors.Is(err, domain.ErrMissingField):
		return apperrors.Wrap(apperrors.TypeMissingRequired, err, "personId and newTarget are required")
	case errors.Is(err, domain.ErrRateLimited):
		return apperrors.Wrap(apperrors.TypeRateLimit, err)
	case errors.Is(err, domain.ErrCapacityExceeded):
		return apperrors.Wrap(apperrors.TypeMaxParticipants, err)
	case errors.Is(err, domain.ErrPledgeNotFound):
		return apperrors.Wrap(apperrors.TypeNotFound, err, "participant does not exist")
	case errors.Is(err, domain.ErrBusy):
		return apperrors.Wrap(apperrors.TypeServerBusy, err)
	default:
		return apperrors.AsStructuredError(err)
	}
}

func writeError(c echo.Context, appErr *apperrors.Error, clock clockwork.Clock) error {
	logError(c, appErr)
	if err := c.JSON(appErr.HTTPStatus(), appErr.ToResponse(clock.Now())); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *apperrors.Error) {
	ctx := c.Request().Context()
	attrs := []any{
		"error_type", err.Type,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	if len(err.Details) > 0 {
		attrs = append(attrs, "details", err.Details)
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	switch err.Type {
	case apperrors.TypeInvalidFormat, apperrors.TypeMissingRequired, apperrors.TypeNotFound:
		slog.InfoContext(ctx, "Rejected request", attrs...)
	case apperrors.TypeRateLimit, apperrors.TypeMaxParticipants:
		slog.WarnContext(ctx, "Throttled request", attrs...)
	case apperrors.TypeServerBusy:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.WarnContext(ctx, "Server busy", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// statusResponse is the minimal failure envelope for router-level errors.
type statusResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// handleHTTPError replaces echo's default error handler so unknown routes,
// wrong methods and recovered panics still answer with JSON.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		_ = writeError(c, toAppError(err), s.clock)
		return
	}

	message := http.StatusText(httpErr.Code)
	if httpErr.Code == http.StatusNotFound {
		message = "Page not found"
	} else if msg, ok := httpErr.Message.(string); ok && msg != "" {
		message = msg
	}

	response := statusResponse{Success: false, Message: message, Timestamp: s.clock.Now().UnixMilli()}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(httpErr.Code)
		return
	}
	if err := c.JSON(httpErr.Code, response); err != nil {
		slog.ErrorContext(c.Request().Context(), "Failed to write error response", "error", err)
	}
}
