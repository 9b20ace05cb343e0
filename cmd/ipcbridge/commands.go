package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/morezero/webview-ipc/internal/config"
	"github.com/morezero/webview-ipc/internal/devhost"
	"github.com/morezero/webview-ipc/pkg/bridge"
	"github.com/morezero/webview-ipc/pkg/commsutil"
	"github.com/morezero/webview-ipc/pkg/events"
	"github.com/morezero/webview-ipc/pkg/isolation"
	"github.com/morezero/webview-ipc/pkg/semver"
)

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "invoke a host command and print its result",
		ArgsUsage: "<cmd> [json-args]",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:  "file",
				Usage: "send the contents of `path` as a raw binary body",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "add a request header as `key=value`",
			},
		},
		Action: invoke,
	}
}

func invoke(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("invoke: missing command name", 2)
	}
	args, err := invokeArgs(c.Args().Get(1), c.Path("file"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, cfg.RequestTimeout)
	defer cancel()

	cl, closeFn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	var opts *bridge.InvokeOptions
	if len(headers) > 0 {
		opts = &bridge.InvokeOptions{Headers: headers}
	}
	v, err := cl.Session().Invoke(ctx, c.Args().First(), args, opts).Await(ctx)
	if err != nil {
		var ierr *bridge.InvokeError
		if errors.As(err, &ierr) {
			return cli.Exit(ierr.Error(), 1)
		}
		return err
	}
	fmt.Fprintln(c.App.Writer, formatResult(v))
	return nil
}

// invokeArgs picks the invoke payload: file bytes, a JSON document, or nothing.
func invokeArgs(doc, file string) (any, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("invoke: failed to read %s: %w", file, err)
		}
		return data, nil
	}
	if doc == "" {
		return nil, nil
	}
	if !json.Valid([]byte(doc)) {
		return nil, fmt.Errorf("invoke: args are not valid JSON: %s", doc)
	}
	return json.RawMessage(doc), nil
}

func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invoke: header %q must be key=value", p)
		}
		headers[k] = v
	}
	return headers, nil
}

// formatResult renders a host response for the terminal. Binary results
// are printed as base64.
func formatResult(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	case string:
		return t
	case nil:
		return "null"
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:      "listen",
		Usage:     "print events as JSON lines until interrupted",
		ArgsUsage: "<event>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target",
				Usage: "only receive events emitted to webview `label`",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "exit after the first event",
			},
		},
		Action: listen,
	}
}

func listen(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("listen: missing event name", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	cl, closeFn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	var opts *events.Options
	if label := c.String("target"); label != "" {
		target := events.LabelTarget(label)
		opts = &events.Options{Target: &target}
	}

	lines := make(chan events.Event, 16)
	handler := func(ev events.Event) {
		select {
		case lines <- ev:
		default:
			slog.Warn(fmt.Sprintf("%s - dropping event %s: output is behind", logPrefix, ev.Event))
		}
	}

	listenFn := events.Listen
	if c.Bool("once") {
		listenFn = events.Once
	}
	unlisten, err := listenFn(ctx, cl.Session(), c.Args().First(), handler, opts)
	if err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		unlisten(uctx)
	}()

	enc := json.NewEncoder(c.App.Writer)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-lines:
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if c.Bool("once") {
				return nil
			}
		}
	}
}

func emitCommand() *cli.Command {
	return &cli.Command{
		Name:      "emit",
		Usage:     "emit an event through the host",
		ArgsUsage: "<event> [json-payload]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target",
				Usage: "emit only to webview `label`",
			},
		},
		Action: emit,
	}
}

func emit(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("emit: missing event name", 2)
	}
	var payload any
	if doc := c.Args().Get(1); doc != "" {
		if !json.Valid([]byte(doc)) {
			return cli.Exit("emit: payload is not valid JSON", 2)
		}
		payload = json.RawMessage(doc)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, cfg.RequestTimeout)
	defer cancel()

	cl, closeFn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	emitter := events.NewSessionEmitter(cl.Session())
	if label := c.String("target"); label != "" {
		return emitter.EmitTo(ctx, events.LabelTarget(label), c.Args().First(), payload)
	}
	return emitter.Emit(ctx, c.Args().First(), payload)
}

func devhostCommand() *cli.Command {
	return &cli.Command{
		Name:  "devhost",
		Usage: "run the loopback native host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen on `host:port`",
				EnvVars: []string{"IPC_DEVHOST_ADDR"},
			},
			&cli.StringFlag{
				Name:  "version",
				Usage: "host `version` reported to readiness probes",
				Value: semver.ToVersionString(2, 0, 0, ""),
			},
			&cli.BoolFlag{
				Name:  "comms",
				Usage: "serve the post and readiness subjects over COMMS",
				Value: true,
			},
		},
		Action: runDevhost,
	}
}

func runDevhost(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	addr := cfg.DevHostAddr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	params := devhost.NewHostParams{
		Addr:           addr,
		Label:          cfg.HostLabel,
		Version:        c.String("version"),
		RequestTimeout: cfg.RequestTimeout,
	}

	if cfg.IsolationKey != "" || cfg.Pattern == "isolation" {
		keys, err := devhostKeys(cfg)
		if err != nil {
			return err
		}
		params.Keys = keys
	}

	if c.Bool("comms") && cfg.PostTransport == config.PostTransportNATS {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		defer nc.Drain()
		params.Conn = nc
		slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))
	}

	ctx, stop := signalContext(c.Context)
	defer stop()
	return devhost.NewHost(params).Run(ctx)
}

// devhostKeys decodes the shared isolation key, generating and printing
// one when none is configured.
func devhostKeys(cfg *config.Config) (*isolation.Keys, error) {
	if cfg.IsolationKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.IsolationKey)
		if err != nil {
			return nil, fmt.Errorf("%s - IPC_ISOLATION_KEY is not valid base64: %w", logPrefix, err)
		}
		return isolation.KeysFromRaw(raw)
	}
	keys, err := isolation.NewKeys()
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Generated isolation key, export IPC_ISOLATION_KEY=%s", logPrefix, base64.StdEncoding.EncodeToString(keys.Raw())))
	return keys, nil
}
