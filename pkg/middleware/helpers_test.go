package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/sockchain/pkg/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nopHandle discards sends.
type nopHandle struct{}

func (nopHandle) Send(kind server.MessageKind, data []byte, done func(error)) {
	if done != nil {
		done(nil)
	}
}

func (nopHandle) Close() error { return nil }

func newTestServer(t *testing.T, logger *slog.Logger, mws ...server.Middleware) *server.Server {
	t.Helper()
	if logger == nil {
		logger = testLogger()
	}
	s := server.New(server.DefaultConfig().WithTransport(server.NopTransport{}).WithLogger(logger))
	for _, mw := range mws {
		s.Use(mw)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func open(t *testing.T, s *server.Server) *server.Conn {
	t.Helper()
	c := s.Accept(nopHandle{}, server.RequestMeta{
		Method: "GET",
		Path:   "/chat",
		IP:     "10.0.0.7",
	})
	if c == nil {
		t.Fatal("Accept returned nil")
	}
	return c
}

func closeAndWait(t *testing.T, c *server.Conn) {
	t.Helper()
	c.Closed()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for closing activation")
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

// fail returns middleware that fails message activations with err, or
// panics with p when err is nil.
func fail(err error, p any) server.Middleware {
	return server.OnMessage(func(ctx *server.Ctx, next func() error) error {
		if err != nil {
			return err
		}
		panic(p)
	})
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
