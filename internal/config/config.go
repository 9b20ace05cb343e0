// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Post transports.
const (
	PostTransportNATS      = "nats"
	PostTransportWebsocket = "websocket"
	PostTransportNone      = "none"
)

// Config holds webview IPC bridge configuration.
type Config struct {
	// Custom protocol
	ProtocolLabel  string `envconfig:"IPC_PROTOCOL_LABEL" default:"ipc"`
	ProtocolURL    string `envconfig:"IPC_PROTOCOL_URL"`
	HostQualified  bool   `envconfig:"IPC_HOST_QUALIFIED" default:"true"`
	CanUseProtocol bool   `envconfig:"IPC_CUSTOM_PROTOCOL" default:"true"`

	// Raw message-post fallback: nats, websocket or none.
	PostTransport string `envconfig:"IPC_POST_TRANSPORT" default:"nats"`
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL     string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName    string `envconfig:"SERVICE_NAME" default:"ipcbridge"`
	WebsocketURL string `envconfig:"IPC_WEBSOCKET_URL" default:"ws://127.0.0.1:8765/ipc"`
	// HostLabel names the host on COMMS subjects.
	HostLabel string `envconfig:"IPC_HOST_LABEL" default:"main"`

	// Pattern: brownfield or isolation.
	Pattern         string `envconfig:"IPC_PATTERN" default:"brownfield"`
	IsolationOrigin string `envconfig:"IPC_ISOLATION_ORIGIN" default:"isolation://"`
	IsolationHook   string `envconfig:"IPC_ISOLATION_HOOK_FILE"`
	// IsolationKey is the base64 AES-256 key shared with the host.
	IsolationKey string `envconfig:"IPC_ISOLATION_KEY"`

	InvokeKey    string        `envconfig:"IPC_INVOKE_KEY"`
	PollInterval time.Duration `envconfig:"IPC_READY_POLL_INTERVAL" default:"50ms"`
	// HostVersion is a SemVer constraint the host's reported version must meet.
	HostVersion string `envconfig:"IPC_HOST_VERSION"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"IPC_REQUEST_TIMEOUT" default:"30s"`
	ReadyTimeout   time.Duration `envconfig:"IPC_READY_TIMEOUT" default:"2s"`

	// MetricsAddr serves /metrics when set (e.g. "127.0.0.1:9100").
	MetricsAddr string `envconfig:"IPC_METRICS_ADDR"`
	// DevHostAddr is where the development host listens for custom protocol requests.
	DevHostAddr string `envconfig:"IPC_DEVHOST_ADDR" default:"127.0.0.1:8765"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration before a session is built.
func (c *Config) Validate() error {
	switch c.PostTransport {
	case PostTransportNATS, PostTransportWebsocket, PostTransportNone:
	default:
		return fmt.Errorf("%s - IPC_POST_TRANSPORT must be nats, websocket or none, got %q", logPrefix, c.PostTransport)
	}
	switch c.Pattern {
	case "brownfield", "isolation":
	default:
		return fmt.Errorf("%s - IPC_PATTERN must be brownfield or isolation, got %q", logPrefix, c.Pattern)
	}
	if c.Pattern == "isolation" && c.IsolationOrigin == "" {
		return fmt.Errorf("%s - IPC_ISOLATION_ORIGIN is required for the isolation pattern", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - IPC_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%s - IPC_READY_POLL_INTERVAL must be positive", logPrefix)
	}
	return nil
}
