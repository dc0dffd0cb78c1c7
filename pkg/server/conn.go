package server

import (
	"sync"

	"github.com/eapache/queue"
)

// event is one pending activation for a connection.
type event struct {
	activation Activation
	kind       MessageKind
	payload    []byte
}

// Conn serializes the activations of one connection. Transports report
// messages and the close through it; each event is queued and the chain runs
// for one event at a time, in arrival order.
//
// The queue is unbounded: a peer that sends faster than its chain completes
// grows it without limit. Stats().PendingMax tracks the worst case seen.
type Conn struct {
	server *Server
	ctx    *Ctx

	mu       sync.Mutex
	pending  *queue.Queue
	draining bool
	closing  bool

	done chan struct{}
}

func newConn(s *Server, ctx *Ctx) *Conn {
	return &Conn{
		server:  s,
		ctx:     ctx,
		pending: queue.New(),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.ctx.id }

// Ctx returns the connection's context.
func (c *Conn) Ctx() *Ctx { return c.ctx }

// Message queues a message activation. Messages reported after Closed are
// dropped.
func (c *Conn) Message(kind MessageKind, data []byte) {
	if kind == 0 {
		kind = TextMessage
	}
	if data == nil {
		data = []byte{}
	}
	c.enqueue(event{activation: ActivationMessage, kind: kind, payload: data})
}

// Closed queues the closing activation. Only the first call has an effect.
func (c *Conn) Closed() {
	c.enqueue(event{activation: ActivationClosing})
}

// Done is closed once the closing activation has settled and the connection
// has left the registry.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(ev event) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if ev.activation == ActivationClosing {
		c.closing = true
	}
	c.pending.Add(ev)
	c.server.stats.observePending(c.pending.Length())
	start := !c.draining
	c.draining = true
	c.mu.Unlock()

	if start {
		go c.drain()
	}
}

// drain runs queued activations until the queue is empty. At most one drain
// goroutine exists per connection.
func (c *Conn) drain() {
	for {
		c.mu.Lock()
		if c.pending.Length() == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		ev := c.pending.Remove().(event)
		c.mu.Unlock()

		c.server.activate(c, ev)
		if ev.activation == ActivationClosing {
			c.finish()
			return
		}
	}
}

func (c *Conn) finish() {
	c.server.registry.Remove(c.ctx.id)
	c.ctx.cancel()
	c.server.stats.closed.Add(1)
	c.ctx.logger.Info("connection closed")
	close(c.done)
}
