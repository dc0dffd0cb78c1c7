// Command sockchain-bench measures echo round trips through an in-process
// sockchain server under concurrent WebSocket load.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/sockchain/pkg/middleware"
	"github.com/vango-dev/sockchain/pkg/server"
)

const gib = int64(1024 * 1024 * 1024)

type profile struct {
	Name          string
	Clients       int
	Duration      time.Duration
	RPS           float64
	Depth         int
	PayloadBytes  int
	MaxProcs      int
	MemLimitBytes int64
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      50,
		Duration:     10 * time.Second,
		RPS:          2,
		Depth:        4,
		PayloadBytes: 24,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Duration:     30 * time.Second,
		RPS:          5,
		Depth:        8,
		PayloadBytes: 24,
	},
	"stress": {
		Name:          "stress",
		Clients:       500,
		Duration:      60 * time.Second,
		RPS:           10,
		Depth:         16,
		PayloadBytes:  256,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	Profile       string
	Clients       int
	Duration      time.Duration
	RPS           float64
	Depth         int
	PayloadBytes  int
	Binary        bool
	Metrics       bool
	MaxProcs      int
	MemLimitBytes int64
	JSONOutput    string
	EventTimeout  time.Duration
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}
	debug.SetGCPercent(100)

	report, err := run(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, os.Stdout, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

// newBenchServer builds a server whose chain is depth pass-through handlers
// followed by an echo handler.
func newBenchServer(cfg benchConfig) *server.Server {
	sc := server.DefaultConfig().
		WithAddress("127.0.0.1:0").
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sc.WebSocket.CheckOrigin = server.AllowAllOrigins
	sc.WebSocket.MaxMessageSize = int64(cfg.PayloadBytes) + 1024

	s := server.New(sc)
	if cfg.Metrics {
		s.Use(middleware.Prometheus(middleware.WithRegistry(prometheus.NewRegistry())))
	}
	for i := 0; i < cfg.Depth; i++ {
		s.UseFunc(func(ctx *server.Ctx, next func() error) error {
			return next()
		})
	}
	s.Use(server.OnMessage(func(ctx *server.Ctx, next func() error) error {
		ctx.SendWith(ctx.MessageKind(), ctx.Payload(), nil).Done()
		return next()
	}))
	return s
}

func parseConfig(fs *flag.FlagSet, args []string) (benchConfig, error) {
	profileFlag := fs.String("profile", "standard", "profile: fast|standard|stress")
	clientsFlag := fs.Int("clients", -1, "number of concurrent websocket clients")
	durationFlag := fs.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := fs.Float64("rps", -1, "target messages/sec per client")
	depthFlag := fs.Int("depth", -1, "pass-through handlers ahead of the echo handler")
	payloadFlag := fs.Int("payload-bytes", -1, "bytes of token payload per message")
	binaryFlag := fs.Bool("binary", false, "send binary frames instead of text")
	metricsFlag := fs.Bool("metrics", false, "install the Prometheus middleware")
	maxProcsFlag := fs.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	memLimitFlag := fs.String("mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	jsonFlag := fs.String("json", "-", "JSON output path ('-' for stdout)")
	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}
	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:       base.Name,
		Clients:       base.Clients,
		Duration:      base.Duration,
		RPS:           base.RPS,
		Depth:         base.Depth,
		PayloadBytes:  base.PayloadBytes,
		Binary:        *binaryFlag,
		Metrics:       *metricsFlag,
		MaxProcs:      base.MaxProcs,
		MemLimitBytes: base.MemLimitBytes,
		JSONOutput:    strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *depthFlag != -1 {
		cfg.Depth = *depthFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if *memLimitFlag != "" {
		limit, err := parseBytes(*memLimitFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -mem-limit: %w", err)
		}
		cfg.MemLimitBytes = limit
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if err := cfg.validate(); err != nil {
		return benchConfig{}, err
	}
	cfg.EventTimeout = eventTimeout(cfg.RPS)
	return cfg, nil
}

func (cfg benchConfig) validate() error {
	switch {
	case cfg.Clients <= 0:
		return errors.New("-clients must be > 0")
	case cfg.Duration <= 0:
		return errors.New("-duration must be > 0")
	case cfg.RPS <= 0:
		return errors.New("-rps must be > 0")
	case cfg.Depth < 0:
		return errors.New("-depth must be >= 0")
	case cfg.PayloadBytes <= 0:
		return errors.New("-payload-bytes must be > 0")
	case cfg.MaxProcs < 0:
		return errors.New("-max-procs must be >= 0")
	case cfg.MemLimitBytes < 0:
		return errors.New("-mem-limit must be >= 0")
	}
	return nil
}

// eventTimeout is ten send periods, at least two seconds.
func eventTimeout(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / rps)
	timeout := period * 10
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	return timeout
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errors.New("empty size")
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", input)
	}

	value, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, err
	}

	var multiplier float64
	switch suffix := strings.ToLower(strings.TrimSpace(s[i:])); suffix {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "kib":
		multiplier = 1 << 10
	case "mib":
		multiplier = 1 << 20
	case "gib":
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size suffix %q", suffix)
	}
	return int64(value*multiplier + 0.5), nil
}
