// Package client wires a bridge session from configuration: the custom
// protocol, the post fallback, host readiness and the isolation context.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/webview-ipc/internal/config"
	"github.com/morezero/webview-ipc/pkg/bridge"
	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/commsutil"
	"github.com/morezero/webview-ipc/pkg/isolation"
	"github.com/morezero/webview-ipc/pkg/metrics"
	"github.com/morezero/webview-ipc/pkg/semver"
	"github.com/morezero/webview-ipc/pkg/transport"
	"github.com/morezero/webview-ipc/pkg/wspost"
)

const logPrefix = "client:client"

// Params configures New.
type Params struct {
	Config *config.Config
	// Registerer receives the bridge metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Client owns a bridge session and the connections behind it.
type Client struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	selector *transport.Selector
	keys     *isolation.Keys
	session  atomic.Pointer[bridge.Session]

	nc       *comms.Conn
	frameSub *comms.Subscription
	ws       *wspost.Poster

	sandbox     *isolation.Sandbox
	stopSandbox context.CancelFunc
	sandboxDone chan struct{}

	hostReady    atomic.Bool
	incompatible sync.Once
}

// New connects the configured transports and returns a Client with a live session.
func New(ctx context.Context, params Params) (*Client, error) {
	cfg := params.Config
	if cfg == nil {
		return nil, errors.New(logPrefix + " - config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg}
	if params.Registerer != nil {
		c.metrics = metrics.New(params.Registerer)
	}
	reg := callback.New(c.metrics)

	var poster transport.Poster
	switch cfg.PostTransport {
	case config.PostTransportNATS:
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		c.nc = nc
		poster = commsutil.NewPoster(nc, cfg.HostLabel)
	case config.PostTransportWebsocket:
		ws, err := wspost.Dial(ctx, wspost.DialParams{URL: cfg.WebsocketURL, OnFrame: c.handleFrame})
		if err != nil {
			return nil, err
		}
		c.ws = ws
		poster = ws
	}

	c.selector = transport.NewSelector(transport.NewSelectorParams{
		Protocol: transport.NewProtocol(transport.NewProtocolParams{
			Label:         cfg.ProtocolLabel,
			HostQualified: cfg.HostQualified,
			Endpoint:      cfg.ProtocolURL,
			Client:        &http.Client{Timeout: cfg.RequestTimeout},
			Deliverer:     reg,
		}),
		Poster:         poster,
		CanUseProtocol: cfg.CanUseProtocol,
		Metrics:        c.metrics,
	})

	sessionParams := bridge.Params{
		Registry:     reg,
		Selector:     c.selector,
		Pattern:      bridge.Pattern(cfg.Pattern),
		PollInterval: cfg.PollInterval,
		InvokeKey:    cfg.InvokeKey,
		Metrics:      c.metrics,
	}
	if c.nc != nil {
		sessionParams.ReadyFunc = c.probeHost
	}

	if sessionParams.Pattern == bridge.PatternIsolation {
		relay, err := c.startIsolation()
		if err != nil {
			c.Close()
			return nil, err
		}
		sessionParams.Relay = relay
	}

	sess := bridge.NewSession(sessionParams)
	c.session.Store(sess)

	if c.nc != nil {
		sub, err := commsutil.SubscribeFrames(c.nc, cfg.HostLabel, sess.InvokeKey(), c.handleFrame)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.frameSub = sub
		if err := c.nc.Flush(); err != nil {
			c.Close()
			return nil, fmt.Errorf("%s - failed to flush COMMS subscription: %w", logPrefix, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - Session ready to invoke (pattern=%s post=%s key=%s)", logPrefix, cfg.Pattern, cfg.PostTransport, sess.InvokeKey()))
	return c, nil
}

// Session returns the bridge session.
func (c *Client) Session() *bridge.Session {
	return c.session.Load()
}

// Metrics returns the bridge metrics, possibly nil.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Keys returns the isolation keys, nil outside the isolation pattern.
func (c *Client) Keys() *isolation.Keys {
	return c.keys
}

// ProtocolFailed reports whether the session has fallen back to the post transport.
func (c *Client) ProtocolFailed() bool {
	return c.selector.ProtocolFailed()
}

// Close rejects pending calls and releases every connection.
func (c *Client) Close() {
	if sess := c.session.Load(); sess != nil {
		sess.Close()
	}
	if c.stopSandbox != nil {
		c.stopSandbox()
		<-c.sandboxDone
	}
	if c.frameSub != nil {
		c.frameSub.Unsubscribe()
	}
	if c.ws != nil {
		c.ws.Close()
	}
	if c.nc != nil {
		c.nc.Drain()
	}
}

func (c *Client) handleFrame(data []byte) error {
	sess := c.session.Load()
	if sess == nil {
		return errors.New(logPrefix + " - frame received before the session exists")
	}
	return sess.HandleFrameData(data)
}

// probeHost asks the host whether it is ready and whether its version meets
// the configured constraint. A positive answer is remembered.
func (c *Client) probeHost() bool {
	if c.hostReady.Load() {
		return true
	}
	reply, err := commsutil.QueryReady(c.nc, c.cfg.HostLabel, c.cfg.ReadyTimeout)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - host not ready: %v", logPrefix, err))
		return false
	}
	if !reply.Ready {
		return false
	}
	if err := semver.CheckCompatible(reply.Version, c.cfg.HostVersion); err != nil {
		c.incompatible.Do(func() {
			slog.Error(fmt.Sprintf("%s - host is not compatible, calls stay queued: %v", logPrefix, err))
		})
		return false
	}
	c.hostReady.Store(true)
	return true
}

func (c *Client) startIsolation() (*isolation.Relay, error) {
	keys, err := loadKeys(c.cfg.IsolationKey)
	if err != nil {
		return nil, err
	}
	c.keys = keys

	var hook string
	if c.cfg.IsolationHook != "" {
		data, err := os.ReadFile(c.cfg.IsolationHook)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read isolation hook %s: %w", logPrefix, c.cfg.IsolationHook, err)
		}
		hook = string(data)
	}

	relay := isolation.NewRelay(isolation.NewRelayParams{
		Locator: isolation.PrefixLocator{
			Origin: c.cfg.IsolationOrigin,
			Find: func() (*isolation.Endpoint, bool) {
				if c.sandbox == nil {
					return nil, false
				}
				return c.sandbox.Endpoint(), true
			},
		},
		Forward: func(msg *transport.Message) {
			if sess := c.session.Load(); sess != nil {
				sess.Forward(msg)
			}
		},
		Metrics: c.metrics,
	})

	sandbox, err := isolation.NewSandbox(isolation.NewSandboxParams{
		Origin:     c.cfg.IsolationOrigin,
		Keys:       keys,
		Parent:     relay,
		HookScript: hook,
	})
	if err != nil {
		return nil, err
	}
	c.sandbox = sandbox

	ctx, cancel := context.WithCancel(context.Background())
	c.stopSandbox = cancel
	c.sandboxDone = make(chan struct{})
	go func() {
		defer close(c.sandboxDone)
		sandbox.Run(ctx)
	}()
	return relay, nil
}

// loadKeys decodes a base64 key, or generates one when encoded is empty.
func loadKeys(encoded string) (*isolation.Keys, error) {
	if encoded == "" {
		return isolation.NewKeys()
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s - IPC_ISOLATION_KEY is not valid base64: %w", logPrefix, err)
	}
	return isolation.KeysFromRaw(raw)
}
