package middleware

import (
	"log/slog"
	"time"

	"github.com/vango-dev/sockchain/pkg/server"
)

// LoggerConfig configures the activation logging middleware.
type LoggerConfig struct {
	// Level is used for activations that settle without error.
	// Default: slog.LevelDebug
	Level slog.Level

	// ErrorLevel is used for failed and aborted activations.
	// Default: slog.LevelWarn
	ErrorLevel slog.Level

	// SkipMessages omits message activations, leaving only connection
	// lifecycle lines.
	SkipMessages bool
}

// LoggerOption configures the logging middleware.
type LoggerOption func(*LoggerConfig)

// WithLogLevel sets the level for successful activations.
func WithLogLevel(level slog.Level) LoggerOption {
	return func(c *LoggerConfig) {
		c.Level = level
	}
}

// WithErrorLevel sets the level for failed activations.
func WithErrorLevel(level slog.Level) LoggerOption {
	return func(c *LoggerConfig) {
		c.ErrorLevel = level
	}
}

// WithSkipMessages disables logging of message activations.
func WithSkipMessages(skip bool) LoggerOption {
	return func(c *LoggerConfig) {
		c.SkipMessages = skip
	}
}

// Logger creates middleware that writes one structured line per activation
// to the connection's logger.
func Logger(opts ...LoggerOption) server.Middleware {
	config := LoggerConfig{
		Level:      slog.LevelDebug,
		ErrorLevel: slog.LevelWarn,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return server.MiddlewareFunc(func(ctx *server.Ctx, next func() error) error {
		if config.SkipMessages && ctx.IsMessage() {
			return next()
		}

		start := time.Now()
		settled := false
		defer func() {
			if !settled {
				ctx.Logger().Log(ctx.StdContext(), config.ErrorLevel, "activation aborted",
					"activation", ctx.Activation().String(),
					"duration", time.Since(start))
			}
		}()

		err := next()
		settled = true

		attrs := []any{
			"activation", ctx.Activation().String(),
			"duration", time.Since(start),
			"complete", ctx.IsComplete(),
		}
		if ctx.IsMessage() {
			attrs = append(attrs, "kind", ctx.MessageKind().String(), "bytes", len(ctx.Payload()))
		}
		level := config.Level
		if err != nil {
			level = config.ErrorLevel
			attrs = append(attrs, "error", err)
		}
		ctx.Logger().Log(ctx.StdContext(), level, "activation", attrs...)
		return err
	})
}
