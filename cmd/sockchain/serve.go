package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/sockchain/internal/config"
)

type serveOptions struct {
	configPath string

	host string
	port int
	path string
	mode string

	logLevel  string
	logFormat string

	metrics         bool
	tracing         bool
	allowAllOrigins bool

	redisAddr    string
	redisChannel string

	archiveBucket string
	archiveRegion string
}

func serveCmd() *cobra.Command {
	var o serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Long: `Run the WebSocket server with a demo chain.

Settings come from sockchain.json (or --config), then SOCKCHAIN_*
environment variables, then flags.

Modes:
  echo       reply to every message on the same connection
  broadcast  send every message to all connections; with --redis-addr
             the message is relayed to every instance on the channel

Examples:
  sockchain serve
  sockchain serve --port=9000 --path=/chat --mode=broadcast
  sockchain serve --metrics --redis-addr=localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &o)
		},
	}

	o.bind(cmd)

	return cmd
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to the configuration file (default ./"+config.FileName+" if present)")
	f.StringVarP(&o.host, "host", "H", "", "Host to bind to")
	f.IntVarP(&o.port, "port", "p", 0, "Port to listen on")
	f.StringVar(&o.path, "path", "", "WebSocket upgrade path")
	f.StringVarP(&o.mode, "mode", "m", "", "Demo chain: echo or broadcast")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
	f.BoolVar(&o.metrics, "metrics", false, "Serve Prometheus metrics")
	f.BoolVar(&o.tracing, "tracing", false, "Record an OpenTelemetry span per activation")
	f.BoolVar(&o.allowAllOrigins, "allow-all-origins", false, "Accept upgrades from any Origin")
	f.StringVar(&o.redisAddr, "redis-addr", "", "Redis address for the broadcast relay")
	f.StringVar(&o.redisChannel, "redis-channel", "", "Redis pub/sub channel for the relay")
	f.StringVar(&o.archiveBucket, "archive-bucket", "", "S3 bucket for connection transcripts")
	f.StringVar(&o.archiveRegion, "archive-region", "", "S3 region for connection transcripts")
}

// apply overlays flags that were set on the command line.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.port > 0 {
		cfg.Port = o.port
	}
	if o.path != "" {
		cfg.WebSocket.Path = o.path
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = o.metrics
	}
	if cmd.Flags().Changed("tracing") {
		cfg.Tracing.Enabled = o.tracing
	}
	if cmd.Flags().Changed("allow-all-origins") {
		cfg.WebSocket.AllowAllOrigins = o.allowAllOrigins
	}
	if o.redisAddr != "" {
		cfg.Redis.Addr = o.redisAddr
	}
	if o.redisChannel != "" {
		cfg.Redis.Channel = o.redisChannel
	}
	if o.archiveBucket != "" {
		cfg.Archive.Bucket = o.archiveBucket
	}
	if o.archiveRegion != "" {
		cfg.Archive.Region = o.archiveRegion
	}
}

func runServe(cmd *cobra.Command, o *serveOptions) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}
	if cfg.Path() != "" {
		logger.Info("configuration loaded", "file", cfg.Path())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, newS3Client(cfg.Archive))
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
