package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vango-dev/sockchain/pkg/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// recordingProvider hands out tracers that keep every started span.
type recordingProvider struct {
	embedded.TracerProvider

	mu    sync.Mutex
	spans []*recordedSpan
}

func (p *recordingProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{provider: p}
}

func (p *recordingProvider) recorded() []*recordedSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*recordedSpan(nil), p.spans...)
}

type recordingTracer struct {
	embedded.Tracer
	provider *recordingProvider
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)

	t.provider.mu.Lock()
	n := len(t.provider.spans) + 1
	span := &recordedSpan{
		name:  name,
		kind:  cfg.SpanKind(),
		attrs: cfg.Attributes(),
		sc: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{1},
			SpanID:     trace.SpanID{byte(n)},
			TraceFlags: trace.FlagsSampled,
		}),
	}
	t.provider.spans = append(t.provider.spans, span)
	t.provider.mu.Unlock()

	return trace.ContextWithSpan(ctx, span), span
}

type recordedSpan struct {
	noop.Span

	mu     sync.Mutex
	name   string
	kind   trace.SpanKind
	attrs  []attribute.KeyValue
	sc     trace.SpanContext
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recordedSpan) SpanContext() trace.SpanContext { return s.sc }

func (s *recordedSpan) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

func (s *recordedSpan) SetStatus(code codes.Code, description string) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *recordedSpan) RecordError(err error, opts ...trace.EventOption) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	s.attrs = append(s.attrs, kv...)
	s.mu.Unlock()
}

func (s *recordedSpan) End(opts ...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordedSpan) attr(key string) (attribute.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOpenTelemetry_SpanPerActivation(t *testing.T) {
	tp := &recordingProvider{}
	s := newTestServer(t, nil, OpenTelemetry(WithTracerProvider(tp), WithIncludeIP(true)))

	c := open(t, s)
	c.Message(server.BinaryMessage, []byte{1, 2, 3})
	closeAndWait(t, c)

	spans := tp.recorded()
	names := []string{"sockchain.connection", "sockchain.message", "sockchain.closing"}
	if len(spans) != len(names) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(names))
	}
	for i, span := range spans {
		if span.name != names[i] {
			t.Errorf("span %d name = %q, want %q", i, span.name, names[i])
		}
		if span.kind != trace.SpanKindServer {
			t.Errorf("span %d kind = %v, want server", i, span.kind)
		}
		if !span.ended || span.status != codes.Ok {
			t.Errorf("span %d ended=%v status=%v", i, span.ended, span.status)
		}
		if v, ok := span.attr("sockchain.conn_id"); !ok || v.AsString() != c.ID() {
			t.Errorf("span %d conn_id = %v", i, v.AsString())
		}
		if v, ok := span.attr("sockchain.path"); !ok || v.AsString() != "/chat" {
			t.Errorf("span %d path = %v", i, v.AsString())
		}
		if v, ok := span.attr("client.address"); !ok || v.AsString() != "10.0.0.7" {
			t.Errorf("span %d client.address = %v", i, v.AsString())
		}
	}

	msg := spans[1]
	if v, _ := msg.attr("sockchain.payload_bytes"); v.AsInt64() != 3 {
		t.Errorf("payload_bytes = %d, want 3", v.AsInt64())
	}
	if v, _ := msg.attr("sockchain.message_kind"); v.AsString() != "binary" {
		t.Errorf("message_kind = %q, want binary", v.AsString())
	}
}

func TestOpenTelemetry_StdContextCarriesSpan(t *testing.T) {
	tp := &recordingProvider{}
	type observation struct {
		before, inside trace.Span
	}
	seen := make(chan observation, 4)
	var before trace.Span

	s := newTestServer(t, nil,
		server.OnMessage(func(ctx *server.Ctx, next func() error) error {
			before = SpanFromContext(ctx)
			return next()
		}),
		OpenTelemetry(WithTracerProvider(tp)),
		server.OnMessage(func(ctx *server.Ctx, next func() error) error {
			seen <- observation{before: before, inside: SpanFromContext(ctx)}
			return next()
		}),
	)

	c := open(t, s)
	c.Message(server.TextMessage, []byte("a"))
	c.Message(server.TextMessage, []byte("b"))

	for i := 0; i < 2; i++ {
		obs := recv(t, seen)
		if obs.before != nil {
			t.Errorf("message %d: span leaked from an earlier activation", i)
		}
		if obs.inside == nil || !obs.inside.SpanContext().IsValid() {
			t.Fatalf("message %d: no span in StdContext after the middleware", i)
		}
	}
}

func TestOpenTelemetry_RecordsErrors(t *testing.T) {
	tp := &recordingProvider{}
	wantErr := errors.New("boom")
	s := newTestServer(t, nil, OpenTelemetry(WithTracerProvider(tp)), fail(wantErr, nil))

	c := open(t, s)
	c.Message(server.TextMessage, []byte("x"))
	closeAndWait(t, c)

	msg := tp.recorded()[1]
	if msg.status != codes.Error {
		t.Errorf("status = %v, want Error", msg.status)
	}
	if len(msg.errs) != 1 || !errors.Is(msg.errs[0], wantErr) {
		t.Errorf("recorded errors = %v, want [%v]", msg.errs, wantErr)
	}
}

func TestOpenTelemetry_PanicEndsSpanAndKeepsUnwinding(t *testing.T) {
	tp := &recordingProvider{}
	s := newTestServer(t, nil, OpenTelemetry(WithTracerProvider(tp)), fail(nil, "kaboom"))
	errs := make(chan error, 1)
	s.SetErrorHandler(func(err error, ctx *server.Ctx) { errs <- err })

	c := open(t, s)
	c.Message(server.TextMessage, []byte("x"))

	var he *server.HandlerError
	if err := recv(t, errs); !errors.As(err, &he) {
		t.Fatalf("error handler got %v, want *server.HandlerError", err)
	}
	closeAndWait(t, c)

	msg := tp.recorded()[1]
	if !msg.ended || msg.status != codes.Error || len(msg.errs) != 1 {
		t.Errorf("ended=%v status=%v errs=%v", msg.ended, msg.status, msg.errs)
	}
}

func TestOpenTelemetry_FilterAndExtractor(t *testing.T) {
	tp := &recordingProvider{}
	s := newTestServer(t, nil, OpenTelemetry(
		WithTracerProvider(tp),
		WithIncludePath(false),
		WithActivationFilter(func(ctx *server.Ctx) bool { return ctx.IsMessage() }),
		WithAttributeExtractor(func(ctx *server.Ctx) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("room", "lobby")}
		}),
	))

	c := open(t, s)
	c.Message(server.TextMessage, []byte("x"))
	closeAndWait(t, c)

	spans := tp.recorded()
	if len(spans) != 1 || spans[0].name != "sockchain.message" {
		t.Fatalf("spans = %d, want only the message span", len(spans))
	}
	if v, ok := spans[0].attr("room"); !ok || v.AsString() != "lobby" {
		t.Errorf("room = %v, want lobby", v.AsString())
	}
	if _, ok := spans[0].attr("sockchain.path"); ok {
		t.Error("path attribute present with WithIncludePath(false)")
	}
}

func TestSpanFromContext_NoSpan(t *testing.T) {
	spans := make(chan trace.Span, 1)
	s := newTestServer(t, nil, server.MiddlewareFunc(func(ctx *server.Ctx, next func() error) error {
		spans <- SpanFromContext(ctx)
		return next()
	}))

	open(t, s)
	if span := recv(t, spans); span != nil {
		t.Errorf("SpanFromContext() = %v, want nil without tracing", span)
	}
}
