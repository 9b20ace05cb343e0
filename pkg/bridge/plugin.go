package bridge

import (
	"context"
	"fmt"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/morezero/webview-ipc/pkg/channel"
	"github.com/morezero/webview-ipc/pkg/transport"
)

// DefaultAssetProtocol is the protocol ConvertFileSrc uses when none is given.
const DefaultAssetProtocol = "asset"

// PluginListener is a registered plugin event listener backed by a channel.
type PluginListener struct {
	s       *Session
	plugin  string
	event   string
	channel *channel.Channel
}

// PluginCommand returns the command name of a plugin command.
func PluginCommand(plugin, cmd string) string {
	return "plugin:" + plugin + "|" + cmd
}

// AddPluginListener registers handler for a plugin event.
func (s *Session) AddPluginListener(ctx context.Context, plugin, event string, handler func(json.RawMessage)) (*PluginListener, error) {
	ch := channel.New(s.registry, s.metrics)
	ch.SetOnMessage(handler)
	args := map[string]any{"event": event, "handler": ch}
	if _, err := s.Invoke(ctx, PluginCommand(plugin, "register_listener"), args, nil).Await(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%s - failed to register listener %s/%s: %w", logPrefix, plugin, event, err)
	}
	return &PluginListener{s: s, plugin: plugin, event: event, channel: ch}, nil
}

// Channel returns the channel the listener receives on.
func (l *PluginListener) Channel() *channel.Channel {
	return l.channel
}

// Unregister removes the listener on the host and releases its channel.
func (l *PluginListener) Unregister(ctx context.Context) error {
	defer l.channel.Close()
	args := map[string]any{"event": l.event, "channelId": l.channel.ID()}
	if _, err := l.s.Invoke(ctx, PluginCommand(l.plugin, "remove_listener"), args, nil).Await(ctx); err != nil {
		return fmt.Errorf("%s - failed to remove listener %s/%s: %w", logPrefix, l.plugin, l.event, err)
	}
	return nil
}

// PermissionState is the host's answer for one permission.
type PermissionState string

const (
	PermissionGranted         PermissionState = "granted"
	PermissionDenied          PermissionState = "denied"
	PermissionPrompt          PermissionState = "prompt"
	PermissionPromptRationale PermissionState = "prompt-with-rationale"
)

// CheckPermissions asks a plugin for its current permission states.
func (s *Session) CheckPermissions(ctx context.Context, plugin string) (map[string]PermissionState, error) {
	return InvokeJSON[map[string]PermissionState](ctx, s, PluginCommand(plugin, "check_permissions"), nil, nil)
}

// RequestPermissions asks a plugin to request its permissions.
func (s *Session) RequestPermissions(ctx context.Context, plugin string) (map[string]PermissionState, error) {
	return InvokeJSON[map[string]PermissionState](ctx, s, PluginCommand(plugin, "request_permissions"), nil, nil)
}

// Resource is a host-side object referenced by id.
type Resource struct {
	s   *Session
	rid uint64
}

// Resource returns a handle for a host resource id.
func (s *Session) Resource(rid uint64) *Resource {
	return &Resource{s: s, rid: rid}
}

// RID returns the resource id.
func (r *Resource) RID() uint64 {
	return r.rid
}

// Close releases the resource on the host.
func (r *Resource) Close(ctx context.Context) error {
	_, err := r.s.Invoke(ctx, PluginCommand("resources", "close"), map[string]any{"rid": r.rid}, nil).Await(ctx)
	return err
}

// ConvertFileSrc turns a file path into a URL the webview can load through
// protocol. An empty protocol means DefaultAssetProtocol.
func ConvertFileSrc(path, protocol string, hostQualified bool) string {
	if protocol == "" {
		protocol = DefaultAssetProtocol
	}
	return transport.BaseURL(protocol, hostQualified) + "/" + url.PathEscape(path)
}
