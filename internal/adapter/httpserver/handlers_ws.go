package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pledgeboard/internal/broadcast"
)

// Viewers only send keep-alive and refresh hints, which are ignored.
const maxViewerMessageSize = 512

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// the display screen is usually served from another host
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}

	if err := s.hub.Register(conn); err != nil {
		if errors.Is(err, broadcast.ErrHubFull) {
			slog.InfoContext(ctx, "Viewer refused", "remote_ip", c.RealIP(), "reason", err)
		} else {
			slog.WarnContext(ctx, "Viewer registration failed", "remote_ip", c.RealIP(), "error", err)
		}
		return nil
	}
	defer s.hub.Unregister(conn)

	slog.InfoContext(ctx, "Viewer connected", "remote_ip", c.RealIP())
	conn.SetReadLimit(maxViewerMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Viewer connection dropped", "remote_ip", c.RealIP(), "error", err)
			}
			slog.InfoContext(ctx, "Viewer disconnected", "remote_ip", c.RealIP())
			return nil
		}
	}
}
