// Package server runs a middleware chain for every event of every WebSocket
// connection.
//
// A connection produces three kinds of activation: one when it opens, one per
// inbound message and one when it closes. Each activation walks the same
// ordered chain of Middleware with the connection's Ctx:
//
//	srv := server.New(server.DefaultConfig().WithPort(8080))
//
//	srv.UseFunc(func(ctx *server.Ctx, next func() error) error {
//	    if ctx.IsConnection() {
//	        ctx.SendText("welcome")
//	    }
//	    return next()
//	})
//
//	srv.UseFunc(func(ctx *server.Ctx, next func() error) error {
//	    if ctx.IsMessage() {
//	        ctx.SendToAll(ctx.Payload())
//	        ctx.Done()
//	    }
//	    return next()
//	})
//
//	srv.SetErrorHandler(func(err error, ctx *server.Ctx) {
//	    ctx.Logger().Error("activation failed", "error", err)
//	})
//
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// # Chain semantics
//
// The completion flag is checked right before every handler. Once a handler
// calls ctx.Done, no handler that has not started yet runs for the rest of
// the activation. A handler that returns without calling next also ends the
// chain. A returned error, ctx.Throw or a panic aborts the activation and is
// delivered once to the error handler; it never reaches the transport.
//
// # Ordering
//
// Activations of one connection run one at a time, in the order the
// transport reported them; the next one starts only after the previous
// chain settled. Activations of different connections run concurrently on
// separate goroutines, so state shared between connections must be
// synchronized by the application. The per-connection queue is unbounded.
//
// # Registry
//
// A connection is registered before its connection activation and removed
// only after its closing activation settled, so fan-out from a closing chain
// still reaches the closing connection itself.
package server
