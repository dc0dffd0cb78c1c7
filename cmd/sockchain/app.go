package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vango-dev/sockchain/internal/config"
	"github.com/vango-dev/sockchain/internal/errors"
	"github.com/vango-dev/sockchain/pkg/middleware"
	"github.com/vango-dev/sockchain/pkg/relay"
	"github.com/vango-dev/sockchain/pkg/server"
)

// app is a configured server with its optional collaborators.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	server   *server.Server
	registry *prometheus.Registry
	relay    *relay.Relay
}

// newApp builds the server and installs the chain in this order: metrics,
// tracing, logging, transcript, then the mode handler. archive may be nil.
func newApp(cfg *config.Config, logger *slog.Logger, archive middleware.ObjectPutter) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	sc := cfg.ToServerConfig()
	sc.Logger = logger
	sc.Routes = a.routes
	sc.OnError = func(err error, ctx *server.Ctx) {
		ctx.Logger().Warn("activation failed",
			"activation", ctx.Activation().String(),
			"error", err)
	}
	return a, a.install(server.New(sc), archive)
}

func (a *app) install(s *server.Server, archive middleware.ObjectPutter) error {
	a.server = s
	cfg := a.cfg

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.Use(middleware.Prometheus(
			middleware.WithRegistry(a.registry),
			middleware.WithNamespace(cfg.Metrics.Namespace),
		))
	}
	if cfg.Tracing.Enabled {
		s.Use(middleware.OpenTelemetry())
	}
	s.Use(middleware.Logger())

	if cfg.Archive.Bucket != "" {
		if archive == nil {
			return errors.New("E302").WithDetail("no S3 client for bucket " + cfg.Archive.Bucket)
		}
		s.Use(middleware.Transcript(archive, cfg.Archive.Bucket,
			middleware.WithPrefix(cfg.Archive.Prefix),
			middleware.WithPayloads(cfg.Archive.Payloads),
		))
	}

	switch cfg.Mode {
	case config.ModeBroadcast:
		if cfg.Redis.Addr != "" {
			a.relay = relay.New(relay.Config{
				Client:  redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}),
				Channel: cfg.Redis.Channel,
				Logger:  a.logger,
			})
			s.Use(a.relay.Middleware())
		} else {
			s.Use(broadcastHandler())
		}
	default:
		s.Use(echoHandler())
	}
	return nil
}

// echoHandler sends every message back to its sender.
func echoHandler() server.Middleware {
	return server.OnMessage(func(ctx *server.Ctx, next func() error) error {
		ctx.SendWith(ctx.MessageKind(), ctx.Payload(), nil).Done()
		return next()
	})
}

// broadcastHandler sends every message to all connections, the sender
// included.
func broadcastHandler() server.Middleware {
	return server.OnMessage(func(ctx *server.Ctx, next func() error) error {
		ctx.SendToAllWith(ctx.MessageKind(), ctx.Payload(), nil).Done()
		return next()
	})
}

// routes mounts the HTTP endpoints served beside the upgrade path.
func (a *app) routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/stats", a.handleStats)
	if a.registry != nil {
		r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.server.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.server.Stats()); err != nil {
		a.logger.Debug("stats write failed", "error", err)
	}
}

// run starts the server and blocks until ctx is done or the relay fails.
func (a *app) run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return errors.FromError(err, "E300")
	}

	relayErr := make(chan error, 1)
	if a.relay != nil {
		go func() { relayErr <- a.relay.Run(ctx, a.server) }()
	}

	a.logger.Info("serving",
		"mode", a.cfg.Mode,
		"path", a.cfg.WebSocket.Path,
		"metrics", a.registry != nil,
		"relay", a.relay != nil)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-relayErr:
		if !stderrors.Is(err, context.Canceled) {
			runErr = errors.New("E301").Wrap(err).
				WithSuggestion("Check that Redis is reachable at " + a.cfg.Redis.Addr)
		}
	}
	return stderrors.Join(runErr, a.shutdown())
}

func (a *app) shutdown() error {
	var errs []error
	if err := a.server.Stop(); err != nil {
		errs = append(errs, errors.New("E303").Wrap(err))
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Debug("relay close failed", "error", err)
		}
	}
	return stderrors.Join(errs...)
}

// newS3Client returns a client for the archive bucket, or nil when
// archiving is off. Credentials come from the standard AWS_* variables.
func newS3Client(cfg config.ArchiveConfig) middleware.ObjectPutter {
	if cfg.Bucket == "" {
		return nil
	}
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(envCredentials)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func envCredentials(context.Context) (aws.Credentials, error) {
	creds := aws.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, stderrors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return creds, nil
}
