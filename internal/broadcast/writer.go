package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 5 * time.Second
	messageBufferSize = 16
)

// clientWriter owns all data writes to one connection. Control frames
// (ping, close) go through WriteControl, which gorilla allows concurrently.
type clientWriter struct {
	id         string
	connection *websocket.Conn
	send       chan []byte
	ping       chan struct{}
	done       chan struct{}
	alive      atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// onFailure is called from the writer goroutine when a write fails.
	onFailure func(cw *clientWriter, reason string)
}

func newClientWriter(connection *websocket.Conn, bufferSize int, onFailure func(*clientWriter, string)) *clientWriter {
	cw := &clientWriter{
		id:         uuid.NewString(),
		connection: connection,
		send:       make(chan []byte, bufferSize),
		ping:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		onFailure:  onFailure,
	}
	cw.alive.Store(true)
	connection.SetPongHandler(func(string) error {
		cw.alive.Store(true)
		return nil
	})

	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.send:
			_ = cw.connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				cw.fail(reasonWriteFailed)
				return
			}
		case <-cw.ping:
			if err := cw.connection.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cw.fail(reasonWriteFailed)
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) fail(reason string) {
	if cw.onFailure != nil {
		cw.onFailure(cw, reason)
	}
}

// enqueue never blocks. It returns false if the send queue is full.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case cw.send <- msg:
		return true
	default:
		return false
	}
}

// requestPing asks the writer to send a ping. A pending request is not duplicated.
func (cw *clientWriter) requestPing() {
	select {
	case cw.ping <- struct{}{}:
	default:
	}
}

// markDead clears the liveness flag and reports whether it was set.
func (cw *clientWriter) markDead() bool {
	return cw.alive.Swap(false)
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with code and reason before closing.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = cw.connection.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		_ = cw.connection.Close()
	})
}
