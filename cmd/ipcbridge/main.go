// Package main is the entrypoint for ipcbridge: invoke host commands, listen
// for and emit events, or run the loopback development host.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/morezero/webview-ipc/internal/client"
	"github.com/morezero/webview-ipc/internal/config"
)

const logPrefix = "ipcbridge:main"

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "set logging `level` to debug, info, warn or error",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "protocol-url",
		Usage:   "send custom-protocol requests to `url` instead of http://<label>.localhost",
		EnvVars: []string{"IPC_PROTOCOL_URL"},
	},
	&cli.StringFlag{
		Name:    "post",
		Usage:   "post fallback `transport`: nats, websocket or none",
		EnvVars: []string{"IPC_POST_TRANSPORT"},
	},
	&cli.StringFlag{
		Name:    "pattern",
		Usage:   "invoke `pattern`: brownfield or isolation",
		EnvVars: []string{"IPC_PATTERN"},
	},
	&cli.StringFlag{
		Name:        "metrics",
		Usage:       "serve Prometheus metrics on `host:port`",
		EnvVars:     []string{"IPC_METRICS_ADDR"},
		DefaultText: "disabled",
	},
}

var commands = []*cli.Command{
	invokeCommand(),
	listenCommand(),
	emitCommand(),
	devhostCommand(),
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "ipcbridge",
		Usage:     "talk to a native host over the webview IPC bridge",
		UsageText: "ipcbridge [global options] command [command options] [arguments...]",
		Flags:     flags,
		Commands:  commands,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the environment, applies global flag overrides and sets
// up logging.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("protocol-url") {
		cfg.ProtocolURL = c.String("protocol-url")
	}
	if c.IsSet("post") {
		cfg.PostTransport = c.String("post")
	}
	if c.IsSet("pattern") {
		cfg.Pattern = c.String("pattern")
	}
	if c.IsSet("metrics") {
		cfg.MetricsAddr = c.String("metrics")
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// connect builds a client, serving its metrics when an address is configured.
func connect(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
	}

	params := client.Params{Config: cfg}
	if reg != nil {
		params.Registerer = reg
	}
	cl, err := client.New(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	if reg == nil {
		return cl, cl.Close, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - Metrics listening on %s", logPrefix, cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - metrics server error: %v", logPrefix, err))
		}
	}()
	return cl, func() {
		cl.Close()
		srv.Shutdown(context.Background())
	}, nil
}
