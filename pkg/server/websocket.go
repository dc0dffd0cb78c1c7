package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds the close frame write in wsHandle.Close.
var closeGrace = time.Second

type upgradeHandler struct {
	upgrader websocket.Upgrader
	ws       WebSocketConfig
	trusted  *proxyMatcher
	logger   *slog.Logger
	accept   AcceptFunc
}

func newUpgradeHandler(config *Config, trusted *proxyMatcher, logger *slog.Logger, accept AcceptFunc) *upgradeHandler {
	ws := config.WebSocket
	return &upgradeHandler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  ws.HandshakeTimeout,
			ReadBufferSize:    ws.ReadBufferSize,
			WriteBufferSize:   ws.WriteBufferSize,
			CheckOrigin:       ws.CheckOrigin,
			Subprotocols:      ws.Subprotocols,
			EnableCompression: ws.EnableCompression,
		},
		ws:      ws,
		trusted: trusted,
		logger:  logger,
		accept:  accept,
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the peer goes away.
func (u *upgradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	meta := newRequestMeta(r, u.trusted)

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		u.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h := newWSHandle(conn, u.ws, u.logger)
	c := u.accept(h, meta)
	if c == nil {
		return
	}

	if u.ws.PingInterval > 0 {
		go h.pingLoop(u.ws.PingInterval)
	}
	h.readLoop(c)
}

// wsHandle adapts a gorilla connection to Handle. Writes are serialized;
// gorilla allows one concurrent writer.
type wsHandle struct {
	conn   *websocket.Conn
	ws     WebSocketConfig
	logger *slog.Logger

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newWSHandle(conn *websocket.Conn, ws WebSocketConfig, logger *slog.Logger) *wsHandle {
	return &wsHandle{
		conn:   conn,
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send implements Handle.
func (h *wsHandle) Send(kind MessageKind, data []byte, done func(error)) {
	err := h.write(frameType(kind), data)
	if done != nil {
		done(err)
		return
	}
	if err != nil {
		h.logger.Debug("send failed", "error", err)
	}
}

func (h *wsHandle) write(messageType int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return ErrConnectionClosed
	}
	if h.ws.WriteTimeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
	}
	return h.conn.WriteMessage(messageType, data)
}

// Close implements Handle. It sends a normal close frame and closes the
// socket; the read loop then reports the close.
//
// Close never waits for the write lock. Closing the socket unblocks a write
// stalled on a peer that stopped reading; the close frame gets at most
// closeGrace.
func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		_ = h.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace),
		)
		h.closeErr = h.conn.Close()
		close(h.done)
	})
	return h.closeErr
}

// readLoop reports every inbound message to c and the close once reading
// fails for any reason.
func (h *wsHandle) readLoop(c *Conn) {
	defer c.Closed()
	defer h.Close()

	if h.ws.MaxMessageSize > 0 {
		h.conn.SetReadLimit(h.ws.MaxMessageSize)
	}
	if h.ws.PingInterval > 0 {
		wait := 2 * h.ws.PingInterval
		_ = h.conn.SetReadDeadline(time.Now().Add(wait))
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Debug("read error", "error", err)
			}
			return
		}
		if h.ws.PingInterval > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(2 * h.ws.PingInterval))
		}
		c.Message(messageKind(messageType), data)
	}
}

// pingLoop sends heartbeat pings until the handle closes.
func (h *wsHandle) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			if h.closed.Load() {
				h.mu.Unlock()
				return
			}
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.ws.WriteTimeout))
			h.mu.Unlock()
			if err != nil {
				h.logger.Debug("ping failed", "error", err)
				return
			}
		case <-h.done:
			return
		}
	}
}

func frameType(kind MessageKind) int {
	if kind == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func messageKind(messageType int) MessageKind {
	if messageType == websocket.BinaryMessage {
		return BinaryMessage
	}
	return TextMessage
}
