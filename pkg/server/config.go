package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// WebSocketConfig holds options forwarded to the WebSocket transport.
type WebSocketConfig struct {
	// Path is the URL path that accepts upgrades.
	// Default: "/".
	Path string

	// ReadBufferSize and WriteBufferSize size the upgrader's I/O buffers.
	// Default: 4096.
	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the upgrade handshake.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// CheckOrigin validates the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Subprotocols lists the server's supported protocols in preference order.
	Subprotocols []string

	// EnableCompression negotiates per-message compression when the client
	// offers it.
	EnableCompression bool

	// MaxMessageSize is the largest inbound message accepted. Larger
	// messages close the connection.
	// Default: 64KB.
	MaxMessageSize int64

	// WriteTimeout bounds every frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between heartbeat pings. A peer that does not
	// answer within two intervals is considered gone. 0 disables heartbeats.
	// Default: 30 seconds.
	PingInterval time.Duration
}

// Config holds configuration for a Server.
type Config struct {
	// Host and Port form the listen address.
	// Default: all interfaces, port 8080.
	Host string
	Port int

	// Address overrides Host and Port when set (e.g. "127.0.0.1:0").
	Address string

	// WebSocket options are passed through to the transport.
	WebSocket WebSocketConfig

	// TrustedProxies lists proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are honored when resolving Ctx.IP.
	TrustedProxies []string

	// ReadHeaderTimeout bounds reading the upgrade request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds the HTTP listener shutdown in Stop.
	// Default: 5 seconds.
	ShutdownTimeout time.Duration

	// OnError receives every failed activation. Nil discards failures.
	OnError ErrorHandler

	// Routes registers extra HTTP routes on the transport's router, next to
	// the upgrade path.
	Routes func(r chi.Router)

	// Transport replaces the built-in WebSocket transport.
	Transport Transport

	// NewID generates connection ids.
	// Default: uuid.NewString.
	NewID func() string

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		WebSocket:         DefaultWebSocketConfig(),
	}
}

// DefaultWebSocketConfig returns the default transport options.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Path:             "/",
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      SameOriginCheck,
		MaxMessageSize:   64 * 1024,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// applyDefaults fills every zero field that has a default.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 && c.Address == "" {
		c.Port = d.Port
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}

	ws, dws := &c.WebSocket, d.WebSocket
	if ws.Path == "" {
		ws.Path = dws.Path
	}
	if ws.ReadBufferSize == 0 {
		ws.ReadBufferSize = dws.ReadBufferSize
	}
	if ws.WriteBufferSize == 0 {
		ws.WriteBufferSize = dws.WriteBufferSize
	}
	if ws.HandshakeTimeout == 0 {
		ws.HandshakeTimeout = dws.HandshakeTimeout
	}
	if ws.CheckOrigin == nil {
		ws.CheckOrigin = dws.CheckOrigin
	}
	if ws.MaxMessageSize == 0 {
		ws.MaxMessageSize = dws.MaxMessageSize
	}
	if ws.WriteTimeout == 0 {
		ws.WriteTimeout = dws.WriteTimeout
	}
}

// ListenAddress returns the address the transport binds.
func (c *Config) ListenAddress() string {
	if c.Address != "" {
		return c.Address
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.Address == "" && (c.Port < 0 || c.Port > 65535) {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	if c.WebSocket.MaxMessageSize < 0 {
		return fmt.Errorf("server: negative MaxMessageSize %d", c.WebSocket.MaxMessageSize)
	}
	if c.WebSocket.PingInterval < 0 {
		return fmt.Errorf("server: negative PingInterval %s", c.WebSocket.PingInterval)
	}
	if c.WebSocket.Path != "" && c.WebSocket.Path[0] != '/' {
		return fmt.Errorf("server: WebSocket path %q must start with /", c.WebSocket.Path)
	}
	return nil
}

// Warnings returns non-fatal configuration concerns.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.OnError == nil {
		warnings = append(warnings, "OnError is not set; handler failures are discarded")
	}
	if c.WebSocket.PingInterval == 0 {
		warnings = append(warnings, "PingInterval is 0; dead peers are only noticed on write")
	}
	return warnings
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	clone.WebSocket.Subprotocols = append([]string(nil), c.WebSocket.Subprotocols...)
	return &clone
}

// WithPort sets the listen port and returns the config for chaining.
func (c *Config) WithPort(port int) *Config {
	c.Port = port
	return c
}

// WithAddress sets the listen address and returns the config for chaining.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithErrorHandler sets OnError and returns the config for chaining.
func (c *Config) WithErrorHandler(fn ErrorHandler) *Config {
	c.OnError = fn
	return c
}

// WithTransport sets the transport and returns the config for chaining.
func (c *Config) WithTransport(t Transport) *Config {
	c.Transport = t
	return c
}

// WithLogger sets the logger and returns the config for chaining.
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

// SameOriginCheck accepts requests without an Origin header and requests
// whose Origin host matches the Host header.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && u.Host == r.Host
}

// AllowAllOrigins accepts every origin. Use only behind another origin check.
func AllowAllOrigins(*http.Request) bool { return true }
