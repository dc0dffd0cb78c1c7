package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/sockchain/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sockchain",
		Short: "WebSocket server driven by a middleware chain",
		Long: `sockchain runs a WebSocket server whose connections are handled by an
ordered chain of middleware.

Every connection runs the chain once when it opens, once per message
and once when it closes. The serve command installs a demo chain with
optional Prometheus metrics, tracing, a Redis relay for multi-instance
broadcast and S3 transcript archiving.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errors.Print(os.Stderr, err)
		os.Exit(1)
	}
}

// info prints an indented status line.
func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", fmt.Sprintf(format, args...))
}
