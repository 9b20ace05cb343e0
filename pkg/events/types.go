// Package events implements host event subscription and emission on top of a bridge session.
package events

import (
	json "github.com/goccy/go-json"
)

// Target kinds.
const (
	KindAny           = "Any"
	KindAnyLabel      = "AnyLabel"
	KindApp           = "App"
	KindWindow        = "Window"
	KindWebview       = "Webview"
	KindWebviewWindow = "WebviewWindow"
)

// Event commands understood by the host.
const (
	CmdListen   = "plugin:event|listen"
	CmdUnlisten = "plugin:event|unlisten"
	CmdEmit     = "plugin:event|emit"
	CmdEmitTo   = "plugin:event|emit_to"
)

// Event is one event delivered by the host.
type Event struct {
	Event   string          `json:"event"`
	ID      uint32          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Target selects which listeners an event reaches.
type Target struct {
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

// AnyTarget matches every listener.
func AnyTarget() Target {
	return Target{Kind: KindAny}
}

// LabelTarget matches listeners registered on label.
func LabelTarget(label string) Target {
	return Target{Kind: KindAnyLabel, Label: label}
}

// Options are listen options. A nil Target means AnyTarget.
type Options struct {
	Target *Target
}
