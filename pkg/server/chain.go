package server

import (
	"errors"
	"runtime/debug"
	"sync"
)

// Middleware handles one activation and optionally calls next to run the
// rest of the chain.
//
// Returning an error aborts the activation and reports the error to the
// server's error handler. Returning nil without calling next stops the
// chain without an error. next must be called before Handle returns; a
// second call returns the result of the first without re-running anything.
type Middleware interface {
	Handle(ctx *Ctx, next func() error) error
}

// MiddlewareFunc is a function adapter for Middleware.
type MiddlewareFunc func(ctx *Ctx, next func() error) error

// Handle implements Middleware.
func (f MiddlewareFunc) Handle(ctx *Ctx, next func() error) error {
	return f(ctx, next)
}

// chain is the append-only handler list shared by every connection.
type chain struct {
	mu       sync.RWMutex
	handlers []Middleware
}

func (c *chain) use(mw Middleware) {
	c.mu.Lock()
	c.handlers = append(c.handlers, mw)
	c.mu.Unlock()
}

func (c *chain) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// snapshot returns the handlers registered so far. The capacity is clipped
// so a later append can never become visible through the returned slice.
func (c *chain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.handlers)
	return c.handlers[:n:n]
}

// execute runs one activation of handlers against ctx. Panics are recovered:
// Ctx.Throw yields the thrown error, anything else a *HandlerError.
func execute(ctx *Ctx, handlers []Middleware) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(ctx, r)
		}
	}()
	return compose(ctx, handlers, nil)()
}

// compose links handlers into a single continuation. Each step checks the
// completion flag right before its handler runs, so Done blocks every
// handler not yet reached. tail runs after the last handler, if reached.
func compose(ctx *Ctx, handlers []Middleware, tail func() error) func() error {
	next := tail
	if next == nil {
		next = func() error { return nil }
	}
	for i := len(handlers) - 1; i >= 0; i-- {
		mw, deeper := handlers[i], sync.OnceValue(next)
		next = func() error {
			if ctx.IsComplete() {
				return nil
			}
			return mw.Handle(ctx, deeper)
		}
	}
	return next
}

func recoveredError(ctx *Ctx, r any) error {
	if t, ok := r.(thrown); ok {
		if t.err == nil {
			return errors.New("server: Throw called with nil error")
		}
		return t.err
	}
	return &HandlerError{
		ConnID:     ctx.id,
		Activation: ctx.activation,
		Panic:      r,
		Stack:      debug.Stack(),
	}
}

// Chain combines several middleware into one that runs them in order.
func Chain(middleware ...Middleware) Middleware {
	handlers := append([]Middleware(nil), middleware...)
	return MiddlewareFunc(func(ctx *Ctx, next func() error) error {
		return compose(ctx, handlers, next)()
	})
}

// On runs mw only for activations of kind a.
func On(a Activation, mw Middleware) Middleware {
	return Only(func(ctx *Ctx) bool { return ctx.activation == a }, mw)
}

// OnMessage runs fn for message activations only.
func OnMessage(fn MiddlewareFunc) Middleware {
	return On(ActivationMessage, fn)
}

// Skip bypasses mw when condition is true.
func Skip(condition func(ctx *Ctx) bool, mw Middleware) Middleware {
	return MiddlewareFunc(func(ctx *Ctx, next func() error) error {
		if condition(ctx) {
			return next()
		}
		return mw.Handle(ctx, next)
	})
}

// Only runs mw when condition is true.
func Only(condition func(ctx *Ctx) bool, mw Middleware) Middleware {
	return MiddlewareFunc(func(ctx *Ctx, next func() error) error {
		if !condition(ctx) {
			return next()
		}
		return mw.Handle(ctx, next)
	})
}
