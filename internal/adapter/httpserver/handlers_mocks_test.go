package httpserver

import (
	"context"
	"errors"
	"testing"
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

// --- Mock implementations ---

type mockPledgeService struct {
	submitFn   func(ctx context.Context, origin string, req domain.SubmitRequest) (*domain.SubmitResult, error)
	confirmFn  func(ctx context.Context, id int64, newTarget string) (*domain.OverwriteResult, error)
	clearFn    func(ctx context.Context, reason string) (int, error)
	snapshotFn func() domain.Snapshot
	statsFn    func() app.Stats
}

func (m *mockPledgeService) Submit(ctx context.Context, origin string, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, origin, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPledgeService) ConfirmOverwrite(ctx context.Context, id int64, newTarget string) (*domain.OverwriteResult, error) {
	if m.confirmFn != nil {
		return m.confirmFn(ctx, id, newTarget)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPledgeService) Clear(ctx context.Context, reason string) (int, error) {
	if m.clearFn != nil {
		return m.clearFn(ctx, reason)
	}
	return 0, nil
}

func (m *mockPledgeService) Snapshot() domain.Snapshot {
	if m.snapshotFn != nil {
		return m.snapshotFn()
	}
	return domain.Snapshot{}
}

func (m *mockPledgeService) Stats() app.Stats {
	if m.statsFn != nil {
		return m.statsFn()
	}
	return app.Stats{}
}

type mockHub struct {
	count int
}

func (m *mockHub) Register(*websocket.Conn) error { return nil }
func (m *mockHub) Unregister(*websocket.Conn)     {}
func (m *mockHub) ClientCount() int               { return m.count }

type fixedMemory struct {
	usage app.MemoryUsage
}

func (f fixedMemory) Sample() app.MemoryUsage { return f.usage }

// --- Helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, svc pledgeService, opts ...func(*Server)) *Server {
	t.Helper()

	e := newEcho()
	reg := prometheus.NewRegistry()
	clock := clockwork.NewFakeClockAt(testNow)

	srv := &Server{
		echo:           e,
		config:         &config.Config{Port: "0"},
		clock:          clock,
		app:            svc,
		hub:            &mockHub{},
		memory:         fixedMemory{},
		upgrader:       newUpgrader(),
		httpMetrics:    metrics.NewHTTPMetrics(reg),
		metricsHandler: metrics.Handler(reg),
		startTime:      clock.Now(),
	}
	e.HTTPErrorHandler = srv.handleHTTPError

	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()
	return srv
}

func callHandler(srv *Server, handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware(srv.clock)(handler)(c)
}
