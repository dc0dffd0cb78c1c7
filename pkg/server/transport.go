package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// AcceptFunc registers a new connection with a Server. It returns nil when
// the server refused the connection; the handle is already closed then.
type AcceptFunc func(h Handle, req RequestMeta) *Conn

// Transport accepts connections and reports their lifecycle.
//
// For every connection a transport calls accept once, then Conn.Message for
// each inbound message in wire order, then Conn.Closed exactly once.
type Transport interface {
	// Listen starts accepting connections and returns without blocking.
	Listen(accept AcceptFunc) error
	// Close stops accepting connections.
	Close() error
	// Addr returns the bound address, or nil when not listening.
	Addr() net.Addr
}

// NopTransport never listens. Use it when Server.Handler is mounted in an
// HTTP server owned by the application.
type NopTransport struct{}

func (NopTransport) Listen(AcceptFunc) error { return nil }
func (NopTransport) Close() error            { return nil }
func (NopTransport) Addr() net.Addr          { return nil }

// WebSocketTransport serves WebSocket upgrades on its own HTTP listener.
type WebSocketTransport struct {
	config  *Config
	trusted *proxyMatcher
	logger  *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

// NewWebSocketTransport creates a transport for config. Listen binds
// config.ListenAddress() and routes config.WebSocket.Path to the upgrader.
func NewWebSocketTransport(config *Config) *WebSocketTransport {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket_transport")
	return &WebSocketTransport{
		config:  config,
		trusted: newProxyMatcher(config.TrustedProxies, logger),
		logger:  logger,
	}
}

// Listen implements Transport.
func (t *WebSocketTransport) Listen(accept AcceptFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.httpServer != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", t.config.ListenAddress())
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get(t.config.WebSocket.Path, newUpgradeHandler(t.config, t.trusted, t.logger, accept).ServeHTTP)
	if t.config.Routes != nil {
		t.config.Routes(r)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: t.config.ReadHeaderTimeout,
	}
	t.listener = ln
	t.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Close implements Transport. Upgraded connections are not tracked by the
// HTTP server; the Server closes them through their handles.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	srv := t.httpServer
	t.httpServer = nil
	t.listener = nil
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Addr implements Transport.
func (t *WebSocketTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}
