package client

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/webview-ipc/internal/config"
	"github.com/morezero/webview-ipc/internal/devhost"
	"github.com/morezero/webview-ipc/pkg/bridge"
	"github.com/morezero/webview-ipc/pkg/isolation"
	"github.com/morezero/webview-ipc/pkg/metrics"
)

const clientTestPrefix = "client:client_test"

func startTestServer(t *testing.T) (string, *comms.Conn) {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", clientTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", clientTestPrefix)
	}
	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", clientTestPrefix, err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL(), nc
}

func baseConfig() *config.Config {
	return &config.Config{
		ProtocolLabel:   "ipc",
		HostQualified:   true,
		CanUseProtocol:  true,
		PostTransport:   config.PostTransportNone,
		COMMSName:       "ipcbridge-test",
		HostLabel:       "main",
		Pattern:         "brownfield",
		IsolationOrigin: "isolation://",
		PollInterval:    5 * time.Millisecond,
		RequestTimeout:  5 * time.Second,
		ReadyTimeout:    500 * time.Millisecond,
	}
}

func startHost(t *testing.T, params devhost.NewHostParams) *httptest.Server {
	t.Helper()
	h := devhost.NewHost(params)
	if err := h.Subscribe(); err != nil {
		t.Fatalf("%s - Subscribe failed: %v", clientTestPrefix, err)
	}
	t.Cleanup(h.Unsubscribe)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, cfg *config.Config, reg prometheus.Registerer) *Client {
	t.Helper()
	c, err := New(context.Background(), Params{Config: cfg, Registerer: reg})
	if err != nil {
		t.Fatalf("%s - New failed: %v", clientTestPrefix, err)
	}
	t.Cleanup(c.Close)
	return c
}

func greet(t *testing.T, c *Client, name string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := bridge.InvokeJSON[string](ctx, c.Session(), "greet", map[string]any{"name": name}, nil)
	if err != nil {
		t.Fatalf("%s - greet failed: %v", clientTestPrefix, err)
	}
	return got
}

func TestNew_CustomProtocol(t *testing.T) {
	srv := startHost(t, devhost.NewHostParams{})
	cfg := baseConfig()
	cfg.ProtocolURL = srv.URL

	promReg := prometheus.NewRegistry()
	c := newClient(t, cfg, promReg)

	if got := greet(t, c, "Ada"); got != "Hello, Ada!" {
		t.Errorf("%s - greet = %q", clientTestPrefix, got)
	}
	if got := testutil.ToFloat64(c.Metrics().Invocations.WithLabelValues(metrics.TransportProtocol)); got != 1 {
		t.Errorf("%s - protocol invocations = %v, want 1", clientTestPrefix, got)
	}
	if c.ProtocolFailed() {
		t.Errorf("%s - protocol should not have failed", clientTestPrefix)
	}
}

func TestNew_FallsBackToComms(t *testing.T) {
	url, nc := startTestServer(t)
	startHost(t, devhost.NewHostParams{Conn: nc, Version: "2.1.0"})

	cfg := baseConfig()
	cfg.ProtocolURL = "http://127.0.0.1:1"
	cfg.PostTransport = config.PostTransportNATS
	cfg.COMMSURL = url
	cfg.HostVersion = "^2.0.0"

	c := newClient(t, cfg, prometheus.NewRegistry())

	if got := greet(t, c, "Grace"); got != "Hello, Grace!" {
		t.Errorf("%s - greet = %q", clientTestPrefix, got)
	}
	if !c.ProtocolFailed() {
		t.Errorf("%s - expected the protocol to be marked failed", clientTestPrefix)
	}
	if got := testutil.ToFloat64(c.Metrics().TransportFallbacks); got != 1 {
		t.Errorf("%s - fallbacks = %v, want 1", clientTestPrefix, got)
	}
	if got := greet(t, c, "Again"); got != "Hello, Again!" {
		t.Errorf("%s - greet = %q", clientTestPrefix, got)
	}
	if got := testutil.ToFloat64(c.Metrics().TransportFallbacks); got != 1 {
		t.Errorf("%s - fallbacks = %v after second call, want 1", clientTestPrefix, got)
	}
}

func TestNew_IncompatibleHostStaysQueued(t *testing.T) {
	url, nc := startTestServer(t)
	startHost(t, devhost.NewHostParams{Conn: nc, Version: "3.0.0"})

	cfg := baseConfig()
	cfg.CanUseProtocol = false
	cfg.PostTransport = config.PostTransportNATS
	cfg.COMMSURL = url
	cfg.HostVersion = "^2.0.0"
	cfg.ReadyTimeout = 100 * time.Millisecond

	c := newClient(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := c.Session().Invoke(ctx, "greet", map[string]any{"name": "x"}, nil).Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s - expected deadline exceeded, got %v", clientTestPrefix, err)
	}
	if c.Session().Ready() {
		t.Errorf("%s - session must not become ready for an incompatible host", clientTestPrefix)
	}
}

func TestNew_WebsocketPost(t *testing.T) {
	srv := startHost(t, devhost.NewHostParams{})

	cfg := baseConfig()
	cfg.CanUseProtocol = false
	cfg.PostTransport = config.PostTransportWebsocket
	cfg.WebsocketURL = "ws" + strings.TrimPrefix(srv.URL, "http") + devhost.SocketPath

	c := newClient(t, cfg, nil)
	if got := greet(t, c, "Linus"); got != "Hello, Linus!" {
		t.Errorf("%s - greet = %q", clientTestPrefix, got)
	}
}

func TestNew_IsolationPattern(t *testing.T) {
	keys, err := isolation.NewKeys()
	if err != nil {
		t.Fatalf("%s - NewKeys failed: %v", clientTestPrefix, err)
	}
	srv := startHost(t, devhost.NewHostParams{Keys: keys})

	hook := filepath.Join(t.TempDir(), "hook.js")
	script := `function isolationHook(p) { p.name = p.name.toUpperCase(); return p; }`
	if err := os.WriteFile(hook, []byte(script), 0o600); err != nil {
		t.Fatalf("%s - failed to write hook: %v", clientTestPrefix, err)
	}

	cfg := baseConfig()
	cfg.ProtocolURL = srv.URL
	cfg.Pattern = "isolation"
	cfg.IsolationOrigin = "isolation://app"
	cfg.IsolationKey = base64.StdEncoding.EncodeToString(keys.Raw())
	cfg.IsolationHook = hook

	c := newClient(t, cfg, prometheus.NewRegistry())
	if got := greet(t, c, "Ada"); got != "Hello, ADA!" {
		t.Errorf("%s - greet = %q, want the hook to uppercase the name", clientTestPrefix, got)
	}
	if c.Keys() == nil {
		t.Errorf("%s - expected isolation keys", clientTestPrefix)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown pattern", func(c *config.Config) { c.Pattern = "greenfield" }},
		{"bad isolation key", func(c *config.Config) { c.Pattern = "isolation"; c.IsolationKey = "%%%" }},
		{"short isolation key", func(c *config.Config) {
			c.Pattern = "isolation"
			c.IsolationKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}},
		{"missing hook file", func(c *config.Config) {
			c.Pattern = "isolation"
			c.IsolationHook = filepath.Join(os.TempDir(), "does-not-exist", "hook.js")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			if _, err := New(context.Background(), Params{Config: cfg}); err == nil {
				t.Errorf("%s - expected New to fail", clientTestPrefix)
			}
		})
	}

	if _, err := New(context.Background(), Params{}); err == nil {
		t.Errorf("%s - expected New to fail without config", clientTestPrefix)
	}
}
