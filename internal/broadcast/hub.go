package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"github.com/pscheid92/pledgeboard/internal/domain"
)

const (
	DefaultMaxClients        = 50
	DefaultHeartbeatInterval = 30 * time.Second

	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second

	MessageInitial = "initial"
	MessageUpdate  = "update"

	reasonQueueFull   = "queue_full"
	reasonWriteFailed = "write_failed"
	reasonHeartbeat   = "heartbeat"
)

var (
	ErrHubFull    = errors.New("maximum viewer connections reached")
	ErrHubStopped = errors.New("hub stopped")
)

// Message is the JSON frame pushed to viewers.
type Message struct {
	Type      string          `json:"type"`
	Data      []domain.Pledge `json:"data"`
	Total     int             `json:"total"`
	Timestamp int64           `json:"timestamp"`
}

type HubConfig struct {
	MaxClients        int
	HeartbeatInterval time.Duration
	SendBufferSize    int
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	connection *websocket.Conn
	writer     *clientWriter
	reason     string
}

type clientCountCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the set of viewer connections. A single goroutine handles
// registration, change notifications and the heartbeat sweep, so the
// connection map needs no lock.
type Hub struct {
	cmdCh    chan hubCmd
	notifyCh chan struct{}
	done     chan struct{}

	clock   clockwork.Clock
	source  domain.SnapshotSource
	config  HubConfig
	metrics *metrics.WebSocketMetrics

	clients map[*websocket.Conn]*clientWriter
}

// NewHub starts the hub goroutine. source is read on every broadcast so the
// latest state always wins.
func NewHub(source domain.SnapshotSource, clock clockwork.Clock, config HubConfig, m *metrics.WebSocketMetrics) *Hub {
	if config.MaxClients <= 0 {
		config.MaxClients = DefaultMaxClients
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = messageBufferSize
	}

	h := &Hub{
		cmdCh:    make(chan hubCmd, 256),
		notifyCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		clock:    clock,
		source:   source,
		config:   config,
		metrics:  m,
		clients:  make(map[*websocket.Conn]*clientWriter),
	}
	go h.run()
	return h
}

// Register adds a viewer and queues the initial snapshot for it. At capacity
// the connection is closed with a policy-violation frame and ErrHubFull is
// returned.
func (h *Hub) Register(conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	select {
	case h.cmdCh <- registerCmd{connection: conn, errorChannel: errCh}:
	case <-h.done:
		_ = conn.Close()
		return ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-h.done:
		_ = conn.Close()
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a viewer. Unknown connections are ignored.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.cmdCh <- unregisterCmd{connection: conn}:
	case <-h.done:
	}
}

// NotifyChanged schedules a broadcast. It never blocks; signals arriving while
// one is pending collapse into a single broadcast.
func (h *Hub) NotifyChanged() {
	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

// ClientCount returns the number of connected viewers, or -1 on timeout.
func (h *Hub) ClientCount() int {
	replyCh := make(chan int, 1)
	select {
	case h.cmdCh <- clientCountCmd{replyChannel: replyCh}:
	case <-h.done:
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every viewer with a going-away frame and waits for the hub
// goroutine to exit. Safe to call more than once.
func (h *Hub) Stop() {
	select {
	case h.cmdCh <- stopCmd{}:
	case <-h.done:
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)

	heartbeat := h.clock.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				h.handleUnregister(c)
			case clientCountCmd:
				c.replyChannel <- len(h.clients)
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-h.notifyCh:
			h.handleBroadcast()
		case <-heartbeat.Chan():
			h.handleSweep()
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if len(h.clients) >= h.config.MaxClients {
		slog.Warn("Rejecting viewer: max connections reached", "max_clients", h.config.MaxClients)
		h.metrics.RefusedConnections.Inc()

		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrHubFull.Error())
		_ = c.connection.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		_ = c.connection.Close()
		c.errorChannel <- ErrHubFull
		return
	}

	cw := newClientWriter(c.connection, h.config.SendBufferSize, h.requestRemoval)
	h.clients[c.connection] = cw
	h.metrics.ActiveConnections.Set(float64(len(h.clients)))

	slog.Debug("Viewer registered", "client_id", cw.id, "total_clients", len(h.clients))
	c.errorChannel <- nil

	if data, ok := h.encodeSnapshot(MessageInitial); ok {
		h.deliver(cw, data, MessageInitial)
	}
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	cw, exists := h.clients[c.connection]
	if !exists {
		return
	}
	// a stale failure report from a writer that was already replaced
	if c.writer != nil && c.writer != cw {
		return
	}
	h.remove(c.connection, cw, c.reason)
}

func (h *Hub) handleBroadcast() {
	if len(h.clients) == 0 {
		return
	}

	data, ok := h.encodeSnapshot(MessageUpdate)
	if !ok {
		return
	}

	var slow []*websocket.Conn
	for conn, cw := range h.clients {
		if !cw.enqueue(data) {
			slow = append(slow, conn)
			continue
		}
		h.metrics.MessagesPublished.WithLabelValues(MessageUpdate).Inc()
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow viewer", "client_id", h.clients[conn].id)
		h.remove(conn, h.clients[conn], reasonQueueFull)
	}

	h.metrics.Broadcasts.Inc()
}

// handleSweep removes viewers that did not answer the previous ping and
// pings the rest.
func (h *Hub) handleSweep() {
	var dead []*websocket.Conn
	for conn, cw := range h.clients {
		if !cw.markDead() {
			dead = append(dead, conn)
			continue
		}
		cw.requestPing()
	}

	for _, conn := range dead {
		slog.Info("Removing unresponsive viewer", "client_id", h.clients[conn].id)
		h.remove(conn, h.clients[conn], reasonHeartbeat)
	}
}

func (h *Hub) handleStop() {
	total := len(h.clients)
	slog.Info("Hub shutting down", "total_clients", total)

	for conn, cw := range h.clients {
		cw.stopGraceful(websocket.CloseGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.metrics.ActiveConnections.Set(0)

	slog.Info("Hub shutdown complete", "disconnected_clients", total)
}

func (h *Hub) deliver(cw *clientWriter, data []byte, msgType string) {
	if !cw.enqueue(data) {
		h.remove(cw.connection, cw, reasonQueueFull)
		return
	}
	h.metrics.MessagesPublished.WithLabelValues(msgType).Inc()
}

func (h *Hub) remove(conn *websocket.Conn, cw *clientWriter, reason string) {
	cw.stop()
	delete(h.clients, conn)
	h.metrics.ActiveConnections.Set(float64(len(h.clients)))
	if reason != "" {
		h.metrics.EvictedClients.WithLabelValues(reason).Inc()
	}
	slog.Debug("Viewer unregistered", "client_id", cw.id, "reason", reason, "remaining_clients", len(h.clients))
}

// requestRemoval is called from a writer goroutine. It must not block once
// the writer or the hub is shutting down.
func (h *Hub) requestRemoval(cw *clientWriter, reason string) {
	select {
	case h.cmdCh <- unregisterCmd{connection: cw.connection, writer: cw, reason: reason}:
	case <-cw.done:
	case <-h.done:
	}
}

func (h *Hub) encodeSnapshot(msgType string) ([]byte, bool) {
	snap := h.source.Snapshot()
	participants := snap.Participants
	if participants == nil {
		participants = []domain.Pledge{}
	}

	data, err := json.Marshal(Message{
		Type:      msgType,
		Data:      participants,
		Total:     snap.Total,
		Timestamp: snap.Timestamp,
	})
	if err != nil {
		slog.Error("Failed to marshal viewer message", "type", msgType, "error", err)
		return nil, false
	}
	return data, true
}
