// Package middleware provides production middleware for sockchain servers.
//
// This package includes:
//   - OpenTelemetry tracing, one span per activation
//   - Prometheus metrics
//   - Structured activation logging
//   - Transcript archiving to S3
//
// Register observability middleware first. A handler that calls ctx.Done
// stops every handler after it, including middleware registered later.
//
// # OpenTelemetry Middleware
//
//	srv.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("chat"),
//	    middleware.WithActivationFilter(func(ctx *server.Ctx) bool {
//	        return !ctx.IsMessage() || len(ctx.Payload()) > 0
//	    }),
//	))
//
// The span becomes ctx.StdContext() for the rest of the chain, so database
// drivers and HTTP clients called with it inherit the trace:
//
//	srv.UseFunc(func(ctx *server.Ctx, next func() error) error {
//	    row := db.QueryRowContext(ctx.StdContext(), "SELECT ...")
//	    ...
//	})
//
// # Prometheus Metrics
//
//	srv.Use(middleware.Prometheus())
//
// Expose the default registry next to the upgrade path:
//
//	cfg.Routes = func(r chi.Router) {
//	    r.Handle("/metrics", promhttp.Handler())
//	}
//
// # Transcripts
//
// Transcript keeps a per-connection log of activations and uploads it as
// JSON Lines when the connection closes. Any client with a PutObject method
// matching *s3.Client works.
package middleware
