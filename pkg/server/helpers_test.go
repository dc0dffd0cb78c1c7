package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentFrame struct {
	kind MessageKind
	data string
}

// fakeHandle records sends and closes.
type fakeHandle struct {
	mu     sync.Mutex
	sent   []sentFrame
	closes int
}

func (h *fakeHandle) Send(kind MessageKind, data []byte, done func(error)) {
	h.mu.Lock()
	h.sent = append(h.sent, sentFrame{kind: kind, data: string(data)})
	var err error
	if h.closes > 0 {
		err = ErrConnectionClosed
	}
	h.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) frames() []sentFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentFrame(nil), h.sent...)
}

func (h *fakeHandle) count(data string) int {
	n := 0
	for _, f := range h.frames() {
		if f.data == data {
			n++
		}
	}
	return n
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// fakeTransport hands the accept function to the test.
type fakeTransport struct {
	mu        sync.Mutex
	accept    AcceptFunc
	listens   int
	closes    int
	listenErr error
}

func (t *fakeTransport) Listen(accept AcceptFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return t.listenErr
	}
	t.accept = accept
	t.listens++
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) Addr() net.Addr { return nil }

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func newTestServer(t *testing.T) (*Server, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	s := New(DefaultConfig().WithTransport(ft).WithLogger(testLogger()))
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, ft
}

func testRequest() RequestMeta {
	return RequestMeta{
		Header:     http.Header{"X-Client": []string{"test"}},
		Method:     http.MethodGet,
		Path:       "/chat",
		RemoteAddr: "10.0.0.7:5555",
		IP:         "10.0.0.7",
	}
}

func connect(t *testing.T, s *Server) (*Conn, *fakeHandle) {
	t.Helper()
	h := &fakeHandle{}
	c := s.Accept(h, testRequest())
	if c == nil {
		t.Fatal("Accept returned nil")
	}
	return c, h
}

func newBareCtx(h Handle) *Ctx {
	if h == nil {
		h = &fakeHandle{}
	}
	return newCtx("conn-1", h, testRequest(), NewRegistry(), testLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for connection %s to close", c.ID())
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

var errBoom = errors.New("boom")
