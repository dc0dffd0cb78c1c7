package middleware

import (
	"fmt"

	"github.com/vango-dev/sockchain/pkg/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for sockchain servers.
const defaultTracerName = "sockchain"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "sockchain").
	TracerName string

	// TracerProvider creates the tracer.
	// Default: the global provider from otel.GetTracerProvider.
	TracerProvider trace.TracerProvider

	// IncludePath adds the upgrade request path to spans.
	// Enabled by default.
	IncludePath bool

	// IncludeIP adds the client address to spans. Disabled by default.
	IncludeIP bool

	// Filter determines which activations to trace. If nil, all are traced.
	Filter func(ctx *server.Ctx) bool

	// AttributeExtractor adds custom attributes to every traced activation.
	AttributeExtractor func(ctx *server.Ctx) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludePath enables or disables the path attribute.
func WithIncludePath(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludePath = include
	}
}

// WithIncludeIP enables or disables the client IP attribute.
func WithIncludeIP(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeIP = include
	}
}

// WithActivationFilter sets a filter function for activations.
func WithActivationFilter(filter func(ctx *server.Ctx) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ctx *server.Ctx) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName:  defaultTracerName,
		IncludePath: true,
	}
}

// OpenTelemetry creates middleware that wraps every activation in a span.
//
// The span is named after the activation ("sockchain.message") and carries
// the connection id. It is installed as ctx.StdContext() for the rest of the
// chain, so downstream calls made with that context join the trace:
//
//	srv.Use(middleware.OpenTelemetry(middleware.WithTracerName("chat")))
//
//	srv.UseFunc(func(ctx *server.Ctx, next func() error) error {
//	    req, _ := http.NewRequestWithContext(ctx.StdContext(), "GET", url, nil)
//	    ...
//	})
//
// Errors and panics set the span status to Error; panics keep unwinding.
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return server.MiddlewareFunc(func(ctx *server.Ctx, next func() error) error {
		if config.Filter != nil && !config.Filter(ctx) {
			return next()
		}

		attrs := []attribute.KeyValue{
			attribute.String("sockchain.conn_id", ctx.ID()),
			attribute.String("sockchain.activation", ctx.Activation().String()),
		}
		if ctx.IsMessage() {
			attrs = append(attrs,
				attribute.String("sockchain.message_kind", ctx.MessageKind().String()),
				attribute.Int("sockchain.payload_bytes", len(ctx.Payload())),
			)
		}
		if config.IncludePath {
			attrs = append(attrs, attribute.String("sockchain.path", ctx.Path()))
		}
		if config.IncludeIP && ctx.IP() != "" {
			attrs = append(attrs, attribute.String("client.address", ctx.IP()))
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ctx)...)
		}

		spanCtx, span := tracer.Start(
			ctx.StdContext(),
			"sockchain."+ctx.Activation().String(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		ctx.SetStdContext(spanCtx)

		settled := false
		defer func() {
			if !settled {
				span.SetStatus(codes.Error, "activation aborted")
				if r := recover(); r != nil {
					span.RecordError(fmt.Errorf("panic: %v", r))
					span.End()
					panic(r)
				}
			}
			span.End()
		}()

		err := next()
		settled = true

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Bool("sockchain.complete", ctx.IsComplete()))
		return err
	})
}

// SpanFromContext returns the span of the current activation, or nil when
// the activation is not traced.
//
//	if span := middleware.SpanFromContext(ctx); span != nil {
//	    span.SetAttributes(attribute.String("room", room))
//	}
func SpanFromContext(ctx *server.Ctx) trace.Span {
	span := trace.SpanFromContext(ctx.StdContext())
	if !span.IsRecording() && !span.SpanContext().IsValid() {
		return nil
	}
	return span
}
