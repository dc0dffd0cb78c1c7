package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// Ctx is the per-connection state handed to every middleware.
//
// One Ctx lives for the whole connection. Before each activation the server
// replaces the activation tag and payload and clears the completion flag;
// middleware only ever changes the completion flag (Done) and its own
// connection-scoped values.
type Ctx struct {
	id       string
	handle   Handle
	request  RequestMeta
	registry *Registry
	logger   *slog.Logger

	// Written by the connection's drain goroutine between activations only.
	activation Activation
	kind       MessageKind
	payload    []byte
	std        context.Context

	complete atomic.Bool

	// Canceled when the connection leaves the registry or the server stops.
	base   context.Context
	cancel context.CancelFunc

	values   map[any]any
	valuesMu sync.RWMutex
}

func newCtx(id string, h Handle, req RequestMeta, registry *Registry, logger *slog.Logger) *Ctx {
	base, cancel := context.WithCancel(context.Background())
	return &Ctx{
		id:         id,
		handle:     h,
		request:    req,
		registry:   registry,
		logger:     logger.With("conn_id", id),
		activation: ActivationConnection,
		std:        base,
		base:       base,
		cancel:     cancel,
	}
}

// reset prepares the context for the next activation. Payload is kept only
// for message activations.
func (c *Ctx) reset(a Activation, kind MessageKind, payload []byte) {
	c.activation = a
	if a == ActivationMessage {
		c.kind = kind
		c.payload = payload
	} else {
		c.kind = 0
		c.payload = nil
	}
	c.std = c.base
	c.complete.Store(false)
}

// ID returns the connection id.
func (c *Ctx) ID() string { return c.id }

// Activation returns the event that triggered the current traversal.
func (c *Ctx) Activation() Activation { return c.activation }

// IsConnection reports whether the connection just opened.
func (c *Ctx) IsConnection() bool { return c.activation == ActivationConnection }

// IsMessage reports whether a message arrived.
func (c *Ctx) IsMessage() bool { return c.activation == ActivationMessage }

// IsClosing reports whether the connection is closing.
func (c *Ctx) IsClosing() bool { return c.activation == ActivationClosing }

// Payload returns the inbound message, or nil outside message activations.
func (c *Ctx) Payload() []byte { return c.payload }

// Text returns the payload as a string.
func (c *Ctx) Text() string { return string(c.payload) }

// MessageKind returns the frame type of the payload, or 0 outside message
// activations.
func (c *Ctx) MessageKind() MessageKind { return c.kind }

// Send delivers data to this connection as a text frame.
func (c *Ctx) Send(data []byte) *Ctx {
	return c.SendWith(TextMessage, data, nil)
}

// SendText delivers s to this connection as a text frame.
func (c *Ctx) SendText(s string) *Ctx {
	return c.SendWith(TextMessage, []byte(s), nil)
}

// SendBinary delivers data to this connection as a binary frame.
func (c *Ctx) SendBinary(data []byte) *Ctx {
	return c.SendWith(BinaryMessage, data, nil)
}

// SendWith delivers data with an explicit frame type. Delivery failures are
// passed to done, never raised into the chain.
func (c *Ctx) SendWith(kind MessageKind, data []byte, done func(error)) *Ctx {
	c.handle.Send(kind, data, done)
	return c
}

// SendJSON encodes v and sends it as a text frame. Only encoding errors are
// returned.
func (c *Ctx) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.handle.Send(TextMessage, data, nil)
	return nil
}

// SendToAll sends data as a text frame to every registered connection,
// including this one while it is still registered.
func (c *Ctx) SendToAll(data []byte) *Ctx {
	return c.SendToAllWith(TextMessage, data, nil)
}

// SendToAllWith is SendToAll with an explicit frame type and a per-recipient
// delivery callback.
func (c *Ctx) SendToAllWith(kind MessageKind, data []byte, done func(error)) *Ctx {
	broadcast(c.registry, kind, data, done)
	return c
}

// Done stops the remaining middleware of the current activation.
func (c *Ctx) Done() *Ctx {
	c.complete.Store(true)
	return c
}

// IsComplete reports whether Done was called during this activation.
func (c *Ctx) IsComplete() bool { return c.complete.Load() }

// Throw aborts the current activation with err. It does not return; the
// error is delivered to the server's error handler.
func (c *Ctx) Throw(err error) {
	panic(thrown{err: err})
}

// Close asks the transport to close this connection. The closing activation
// runs once the transport reports the close.
func (c *Ctx) Close() error {
	return c.handle.Close()
}

// RequestHeaders returns the headers of the opening request.
func (c *Ctx) RequestHeaders() http.Header { return c.request.Header }

// Header returns one header of the opening request.
func (c *Ctx) Header(key string) string { return c.request.Header.Get(key) }

// IP returns the client address.
func (c *Ctx) IP() string { return c.request.IP }

// Path returns the URL path of the opening request.
func (c *Ctx) Path() string { return c.request.Path }

// Method returns the HTTP method of the opening request.
func (c *Ctx) Method() string { return c.request.Method }

// Request returns the full request snapshot.
func (c *Ctx) Request() RequestMeta { return c.request }

// Logger returns a logger tagged with the connection id.
func (c *Ctx) Logger() *slog.Logger { return c.logger }

// StdContext returns the context for downstream calls made during this
// activation. It is canceled when the connection goes away.
func (c *Ctx) StdContext() context.Context { return c.std }

// SetStdContext replaces the context returned by StdContext until the end of
// the current activation. The context should derive from StdContext.
func (c *Ctx) SetStdContext(ctx context.Context) {
	if ctx != nil {
		c.std = ctx
	}
}

// Set stores a connection-scoped value that survives across activations.
func (c *Ctx) Set(key, value any) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[key] = value
}

// Get returns a value stored with Set, or nil.
func (c *Ctx) Get(key any) any {
	c.valuesMu.RLock()
	defer c.valuesMu.RUnlock()
	return c.values[key]
}

// Delete removes a connection-scoped value.
func (c *Ctx) Delete(key any) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	delete(c.values, key)
}
