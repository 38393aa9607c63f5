package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omniapi/gateway/internal/eventbus"
)

// pingInterval matches the spec's "periodic pings" requirement for /ws
// (spec §6.3) — idle connections are probed so dead clients are pruned
// from the bus promptly instead of accumulating.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	// The gateway serves its own frontend and a handful of trusted
	// local tools; any origin may open the event stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsConnSeq atomic.Uint64

// wsSubscriber adapts one WebSocket connection to eventbus.Subscriber.
// Writes are serialized onto a single goroutine per spec.Service
// conventions: gorilla/websocket connections are not safe for
// concurrent writes from multiple goroutines.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan eventbus.Event
	done chan struct{}
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		id:   "ws-" + strconv.FormatUint(wsConnSeq.Add(1), 10),
		conn: conn,
		send: make(chan eventbus.Event, 32),
		done: make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

// Send enqueues ev for the writer goroutine. A full queue means the
// client has fallen far behind; returning an error here makes the bus
// drop the subscriber rather than let it apply backpressure to Publish.
func (s *wsSubscriber) Send(ev eventbus.Event) error {
	select {
	case s.send <- ev:
		return nil
	default:
		return errFullQueue
	}
}

var errFullQueue = &wsQueueFullError{}

type wsQueueFullError struct{}

func (*wsQueueFullError) Error() string { return "websocket: subscriber send queue full" }

// writeLoop owns the connection's write side: fanned-out events and
// periodic pings. It exits, and closes the connection, once done is
// closed by the read loop detecting a client disconnect.
func (s *wsSubscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case ev := <-s.send:
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop drains (and discards — the stream is advisory inbound)
// client frames so gorilla/websocket's control-frame handling keeps
// running, and detects disconnects.
func (s *wsSubscriber) readLoop() {
	defer close(s.done)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d Deps) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket upgrade failed", "err", err)
		return
	}

	sub := newWSSubscriber(conn)
	d.Bus.Subscribe(sub)
	slog.Info("api: websocket client connected", "id", sub.ID())

	go sub.writeLoop()
	sub.readLoop()
	d.Bus.Unsubscribe(sub.ID())
	slog.Info("api: websocket client disconnected", "id", sub.ID())
}
