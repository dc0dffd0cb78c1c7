// Package relay fans broadcasts out across server instances through Redis
// pub/sub.
//
// Every instance runs a Relay subscribed to the same channel. A message
// published by any instance is delivered to the local registry of every
// instance, the publisher included:
//
//	r := relay.New(relay.Config{Client: redis.NewClient(&redis.Options{Addr: addr})})
//	go r.Run(ctx, srv)
//	srv.Use(r.Middleware())
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vango-dev/sockchain/pkg/server"
)

// DefaultChannel is the pub/sub channel used when Config.Channel is empty.
const DefaultChannel = "sockchain:broadcast"

// ErrSubscriptionClosed is returned by Run when Redis closes the
// subscription.
var ErrSubscriptionClosed = errors.New("relay: subscription closed")

// Broadcaster delivers a frame to every local connection. *server.Server
// implements it.
type Broadcaster interface {
	BroadcastWith(kind server.MessageKind, data []byte, done func(error)) int
}

// Config contains configuration options for a Relay.
type Config struct {
	// Client is the Redis client to use. If nil, a client for
	// localhost:6379 is created.
	Client redis.UniversalClient

	// Channel is the pub/sub channel shared by all instances.
	// Defaults to DefaultChannel if empty.
	Channel string

	// Logger receives delivery problems. Default: slog.Default().
	Logger *slog.Logger
}

// Relay publishes frames to Redis and delivers frames from Redis to a local
// Broadcaster.
type Relay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	returned  atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a snapshot of a relay's counters.
type Stats struct {
	// Published counts frames this relay sent to Redis.
	Published uint64
	// Delivered counts frames broadcast locally, from any instance.
	Delivered uint64
	// Returned counts delivered frames that this relay published itself.
	Returned uint64
	// Dropped counts malformed or unknown frames.
	Dropped uint64
}

// envelope is the wire form of a relayed frame. Origin identifies the
// publishing relay.
type envelope struct {
	Origin string `json:"origin"`
	Kind   uint8  `json:"kind"`
	Data   []byte `json:"data"`
}

// New creates a Relay.
func New(config Config) *Relay {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	channel := config.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origin := uuid.NewString()
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With("component", "relay", "channel", channel, "origin", origin),
		ready:   make(chan struct{}),
	}
}

// Channel returns the pub/sub channel name.
func (r *Relay) Channel() string { return r.channel }

// Ready is closed once Run has an active subscription.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Publish sends a frame to every instance subscribed to the channel.
func (r *Relay) Publish(ctx context.Context, kind server.MessageKind, data []byte) error {
	payload, err := json.Marshal(envelope{Origin: r.origin, Kind: uint8(kind), Data: data})
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", r.channel, err)
	}
	r.published.Add(1)
	return nil
}

// Stats returns the relay's counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Delivered: r.delivered.Load(),
		Returned:  r.returned.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// Run subscribes to the channel and broadcasts every received frame to
// target until ctx is canceled. It returns ctx.Err() on cancellation.
func (r *Relay) Run(ctx context.Context, target Broadcaster) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so Ready means "will receive".
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			r.deliver(msg.Payload, target)
		}
	}
}

// deliver decodes one pub/sub payload and broadcasts it locally. Malformed
// payloads are logged and dropped.
func (r *Relay) deliver(payload string, target Broadcaster) int {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("dropping malformed relay message", "error", err)
		return 0
	}
	kind := server.MessageKind(env.Kind)
	if kind != server.TextMessage && kind != server.BinaryMessage {
		r.dropped.Add(1)
		r.logger.Warn("dropping relay message with unknown kind", "kind", env.Kind, "from", env.Origin)
		return 0
	}
	if env.Data == nil {
		env.Data = []byte{}
	}
	r.delivered.Add(1)
	if env.Origin == r.origin {
		r.returned.Add(1)
	}
	return target.BroadcastWith(kind, env.Data, nil)
}

// Middleware returns a handler that publishes every inbound message instead
// of broadcasting it locally, then ends the activation. Register it after
// handlers that should see messages first.
func (r *Relay) Middleware() server.Middleware {
	return server.OnMessage(func(ctx *server.Ctx, next func() error) error {
		if err := r.Publish(ctx.StdContext(), ctx.MessageKind(), ctx.Payload()); err != nil {
			return err
		}
		ctx.Done()
		return next()
	})
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
