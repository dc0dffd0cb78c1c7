package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrorHandler receives the error of a failed activation together with the
// context it failed on. It is called at most once per activation, on the
// connection's own goroutine.
type ErrorHandler func(err error, ctx *Ctx)

// Server binds transport connection events to activations of a shared
// middleware chain.
type Server struct {
	config    *Config
	transport Transport
	registry  *Registry
	chain     chain
	onError   atomic.Pointer[ErrorHandler]
	trusted   *proxyMatcher
	newID     func() string

	// stateMu orders Accept against Stop so no connection is registered
	// after Stop has cleared the registry.
	stateMu sync.RWMutex
	running atomic.Bool

	stats  counters
	logger atomic.Pointer[slog.Logger]
}

// New creates a Server. A nil config uses DefaultConfig.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.applyDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	for _, warning := range config.Warnings() {
		logger.Debug("config warning", "warning", warning)
	}

	s := &Server{
		config:   config,
		registry: NewRegistry(),
		trusted:  newProxyMatcher(config.TrustedProxies, logger),
		newID:    config.NewID,
	}
	s.logger.Store(logger)
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if config.OnError != nil {
		s.SetErrorHandler(config.OnError)
	}

	s.transport = config.Transport
	if s.transport == nil {
		s.transport = NewWebSocketTransport(config)
	}
	return s
}

// Use appends mw to the chain. It may be called at any time; activations
// already running keep the chain they started with.
func (s *Server) Use(mw Middleware) {
	s.chain.use(mw)
}

// UseFunc appends a function middleware to the chain.
func (s *Server) UseFunc(fn func(ctx *Ctx, next func() error) error) {
	s.chain.use(MiddlewareFunc(fn))
}

// SetErrorHandler replaces the error handler. Nil restores the default,
// which discards failures.
func (s *Server) SetErrorHandler(fn ErrorHandler) {
	if fn == nil {
		s.onError.Store(nil)
		return
	}
	s.onError.Store(&fn)
}

// Start opens the transport and begins accepting connections.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.stateMu.Lock()
	if s.running.Load() {
		s.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	if s.transport == nil {
		s.stateMu.Unlock()
		return ErrNoTransport
	}
	s.running.Store(true)
	s.stateMu.Unlock()

	if err := s.transport.Listen(s.Accept); err != nil {
		s.running.Store(false)
		return &ConnError{Op: "listen", Err: err}
	}

	attrs := []any{"handlers", s.chain.len()}
	if addr := s.transport.Addr(); addr != nil {
		attrs = append(attrs, "address", addr.String())
	}
	s.logger.Load().Info("server started", attrs...)
	return nil
}

// Stop closes every registered connection, empties the registry and closes
// the transport. It does not wait for running activations; when Stop returns
// the registry is already empty and every handle has been told to close.
func (s *Server) Stop() error {
	s.stateMu.Lock()
	if !s.running.Load() {
		s.stateMu.Unlock()
		return nil
	}
	s.running.Store(false)
	conns := s.registry.Clear()
	s.stateMu.Unlock()

	// Handles close in parallel so one stalled peer does not delay the rest.
	var wg sync.WaitGroup
	for _, ctx := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctx.handle.Close(); err != nil {
				ctx.logger.Debug("close on stop failed", "error", err)
			}
			ctx.cancel()
		}()
	}
	wg.Wait()

	err := s.transport.Close()
	if err != nil {
		s.logger.Load().Error("transport close failed", "error", err)
	}
	s.logger.Load().Info("server stopped", "closed", len(conns))
	return err
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Accept registers a new connection and queues its connection activation.
// Transports call it once per connection; it returns nil, after closing h,
// when the server is not running.
func (s *Server) Accept(h Handle, req RequestMeta) *Conn {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if !s.running.Load() {
		_ = h.Close()
		return nil
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	id := s.newID()
	logger := s.logger.Load()
	ctx := newCtx(id, h, req, s.registry, logger)
	if err := s.registry.Add(id, ctx); err != nil {
		logger.Error("connection rejected", "conn_id", id, "error", err)
		ctx.cancel()
		_ = h.Close()
		return nil
	}

	s.stats.accepted.Add(1)
	s.stats.observeActive(s.registry.Len())
	ctx.logger.Info("connection opened", "ip", req.IP, "path", req.Path)

	conn := newConn(s, ctx)
	conn.enqueue(event{activation: ActivationConnection})
	return conn
}

// activate runs the chain once for ev. Called only from the connection's
// drain goroutine.
func (s *Server) activate(c *Conn, ev event) {
	ctx := c.ctx
	ctx.reset(ev.activation, ev.kind, ev.payload)
	s.stats.activations.Add(1)

	if err := execute(ctx, s.chain.snapshot()); err != nil {
		s.stats.failures.Add(1)
		s.reportError(err, ctx)
	}
}

func (s *Server) reportError(err error, ctx *Ctx) {
	fn := s.onError.Load()
	if fn == nil {
		ctx.logger.Debug("activation failed", "activation", ctx.activation.String(), "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ctx.logger.Error("error handler panicked", "panic", r, "error", err)
		}
	}()
	(*fn)(err, ctx)
}

// Broadcast sends data as a text frame to every registered connection and
// returns the number of recipients.
func (s *Server) Broadcast(data []byte) int {
	return broadcast(s.registry, TextMessage, data, nil)
}

// BroadcastWith is Broadcast with an explicit frame type and callback.
func (s *Server) BroadcastWith(kind MessageKind, data []byte, done func(error)) int {
	return broadcast(s.registry, kind, data, done)
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the upgrade handler for mounting in an external router.
// Pair it with NopTransport when the server should not listen itself.
func (s *Server) Handler() http.Handler {
	return newUpgradeHandler(s.config, s.trusted, s.logger.Load(), s.Accept)
}

// Addr returns the transport's listen address, or nil.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Config returns the effective configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger.Load()
}

// SetLogger sets the server logger. It is safe to call while the server is
// running; connections opened earlier keep theirs. Nil selects slog.Default.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger.Store(logger)
}
