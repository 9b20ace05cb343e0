package config

import (
	"os"
	"testing"
	"time"
)

var envVars = []string{
	"IPC_PROTOCOL_LABEL", "IPC_PROTOCOL_URL", "IPC_HOST_QUALIFIED", "IPC_CUSTOM_PROTOCOL",
	"IPC_POST_TRANSPORT", "COMMS_URL", "SERVICE_NAME", "IPC_WEBSOCKET_URL", "IPC_HOST_LABEL",
	"IPC_PATTERN", "IPC_ISOLATION_ORIGIN", "IPC_ISOLATION_HOOK_FILE", "IPC_ISOLATION_KEY",
	"IPC_INVOKE_KEY", "IPC_READY_POLL_INTERVAL", "IPC_HOST_VERSION",
	"IPC_REQUEST_TIMEOUT", "IPC_READY_TIMEOUT", "IPC_METRICS_ADDR", "IPC_DEVHOST_ADDR", "LOG_LEVEL",
}

func clearEnv() {
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.ProtocolLabel != "ipc" {
		t.Errorf("config:config_test - ProtocolLabel = %q, want %q", cfg.ProtocolLabel, "ipc")
	}
	if !cfg.HostQualified || !cfg.CanUseProtocol {
		t.Errorf("config:config_test - expected host-qualified custom protocol by default")
	}
	if cfg.PostTransport != PostTransportNATS {
		t.Errorf("config:config_test - PostTransport = %q, want %q", cfg.PostTransport, PostTransportNATS)
	}
	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "ipcbridge" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "ipcbridge")
	}
	if cfg.HostLabel != "main" {
		t.Errorf("config:config_test - HostLabel = %q, want %q", cfg.HostLabel, "main")
	}
	if cfg.Pattern != "brownfield" {
		t.Errorf("config:config_test - Pattern = %q, want brownfield", cfg.Pattern)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("config:config_test - PollInterval = %v, want 50ms", cfg.PollInterval)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.InvokeKey != "" || cfg.HostVersion != "" || cfg.MetricsAddr != "" {
		t.Errorf("config:config_test - expected empty optional fields, got %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config:config_test - defaults must validate: %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv()
	overrides := map[string]string{
		"IPC_PROTOCOL_URL":        "http://127.0.0.1:9000",
		"IPC_HOST_QUALIFIED":      "false",
		"IPC_CUSTOM_PROTOCOL":     "false",
		"IPC_POST_TRANSPORT":      "websocket",
		"IPC_WEBSOCKET_URL":       "ws://127.0.0.1:9000/ipc",
		"IPC_PATTERN":             "isolation",
		"IPC_ISOLATION_ORIGIN":    "isolation://app",
		"IPC_INVOKE_KEY":          "fixed-key",
		"IPC_READY_POLL_INTERVAL": "10ms",
		"IPC_HOST_VERSION":        "^2.0.0",
		"IPC_REQUEST_TIMEOUT":     "5s",
		"LOG_LEVEL":               "debug",
	}

	for key, val := range overrides {
		os.Setenv(key, val)
	}
	defer clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.ProtocolURL != "http://127.0.0.1:9000" {
		t.Errorf("config:config_test - ProtocolURL = %q", cfg.ProtocolURL)
	}
	if cfg.HostQualified || cfg.CanUseProtocol {
		t.Errorf("config:config_test - expected boolean overrides to apply")
	}
	if cfg.PostTransport != PostTransportWebsocket || cfg.WebsocketURL != "ws://127.0.0.1:9000/ipc" {
		t.Errorf("config:config_test - post transport = %q %q", cfg.PostTransport, cfg.WebsocketURL)
	}
	if cfg.Pattern != "isolation" || cfg.IsolationOrigin != "isolation://app" {
		t.Errorf("config:config_test - pattern = %q origin = %q", cfg.Pattern, cfg.IsolationOrigin)
	}
	if cfg.InvokeKey != "fixed-key" {
		t.Errorf("config:config_test - InvokeKey = %q", cfg.InvokeKey)
	}
	if cfg.PollInterval != 10*time.Millisecond {
		t.Errorf("config:config_test - PollInterval = %v, want 10ms", cfg.PollInterval)
	}
	if cfg.HostVersion != "^2.0.0" {
		t.Errorf("config:config_test - HostVersion = %q", cfg.HostVersion)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestValidate(t *testing.T) {
	clearEnv()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown post transport", func(c *Config) { c.PostTransport = "carrier-pigeon" }, true},
		{"unknown pattern", func(c *Config) { c.Pattern = "greenfield" }, true},
		{"isolation without origin", func(c *Config) { c.Pattern = "isolation"; c.IsolationOrigin = "" }, true},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("config:config_test - unexpected error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("config:config_test - Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_LogLevels(t *testing.T) {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, level := range validLevels {
		os.Setenv("LOG_LEVEL", level)
		cfg, err := LoadConfig()
		os.Unsetenv("LOG_LEVEL")

		if err != nil {
			t.Fatalf("config:config_test - unexpected error for level %q: %v", level, err)
		}
		if cfg.LogLevel != level {
			t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, level)
		}
	}
}
