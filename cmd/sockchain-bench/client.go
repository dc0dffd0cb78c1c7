package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type benchCounters struct {
	sent      atomic.Uint64
	completed atomic.Uint64
	sentBytes atomic.Uint64
	recvBytes atomic.Uint64
	frames    atomic.Uint64
}

type benchErrors struct {
	dialFailures  atomic.Uint64
	writeFailures atomic.Uint64
	readFailures  atomic.Uint64
	frameMismatch atomic.Uint64
	tokenMissing  atomic.Uint64
	total         atomic.Uint64
}

// run starts a server, drives cfg.Clients connections against it for
// cfg.Duration and returns the report.
func run(parent context.Context, cfg benchConfig) (benchReport, error) {
	srv := newBenchServer(cfg)
	if err := srv.Start(); err != nil {
		return benchReport{}, fmt.Errorf("start: %w", err)
	}
	defer srv.Stop()

	wsURL := "ws://" + srv.Addr().String() + srv.Config().WebSocket.Path

	ctx, cancel := context.WithTimeout(parent, cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var counters benchCounters
	var errCounts benchErrors

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		go func(clientID int) {
			defer wg.Done()
			if err := runClient(ctx, wsURL, clientID, cfg, &counters, &errCounts, samplesCh); err != nil {
				errCounts.total.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(samplesCh)
	<-collectorDone
	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	slices.Sort(samples)
	report := buildReport(cfg, elapsed, samples, &counters, &errCounts, before, after, beforeMetrics, afterMetrics)
	report.Chain = newChainInfo(srv.Stats(), report.Echo.Messages)
	return report, nil
}

func sampleBuffer(clients int) int {
	return max(clients*4, 1024)
}

func runClient(
	ctx context.Context,
	wsURL string,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	errCounts *benchErrors,
	samples chan<- time.Duration,
) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		errCounts.dialFailures.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	frameType := websocket.TextMessage
	if cfg.Binary {
		frameType = websocket.BinaryMessage
	}
	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		seq++
		token := []byte(makeToken(clientID, seq, cfg.PayloadBytes))
		start := time.Now()

		if err := conn.WriteMessage(frameType, token); err != nil {
			errCounts.writeFailures.Add(1)
			return fmt.Errorf("write: %w", err)
		}
		counters.sent.Add(1)
		counters.sentBytes.Add(uint64(len(token)))

		_ = conn.SetReadDeadline(time.Now().Add(cfg.EventTimeout))
		err := waitForEcho(conn, frameType, token, counters)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				errCounts.tokenMissing.Add(1)
				return errors.New("echo not received")
			}
			if errors.Is(err, errFrameMismatch) {
				errCounts.frameMismatch.Add(1)
			} else {
				errCounts.readFailures.Add(1)
			}
			return err
		}

		counters.completed.Add(1)
		samples <- time.Since(start)

		if sleep := period - time.Since(start); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

var errFrameMismatch = errors.New("echo frame type differs from sent frame")

// waitForEcho reads until token comes back. Frames are echoed in order on
// one connection, so anything else is a stale reply from a timed-out send.
func waitForEcho(conn *websocket.Conn, frameType int, token []byte, counters *benchCounters) error {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		counters.frames.Add(1)
		counters.recvBytes.Add(uint64(len(msg)))
		if !bytes.Equal(msg, token) {
			continue
		}
		if mt != frameType {
			return errFrameMismatch
		}
		return nil
	}
}

// makeToken returns a payloadBytes-long token unique per client and seq.
func makeToken(clientID int, seq uint64, payloadBytes int) string {
	if payloadBytes <= 0 {
		return ""
	}
	seed := (uint64(clientID) << 32) ^ seq
	base := strconv.FormatUint(seed, 36)
	if len(base) >= payloadBytes {
		return base[len(base)-payloadBytes:]
	}
	return base + strings.Repeat("x", payloadBytes-len(base))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
