package isolation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/webview-ipc/pkg/metrics"
	"github.com/morezero/webview-ipc/pkg/transport"
)

const isolationTestPrefix = "isolation:isolation_test"

type targetRecorder struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (t *targetRecorder) PostMessage(data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, data.(map[string]any))
}

func (t *targetRecorder) cmds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m["cmd"].(string)
	}
	return out
}

type forwardRecorder struct {
	mu   sync.Mutex
	msgs []*transport.Message
	done chan struct{}
	want int
}

func newForwardRecorder(want int) *forwardRecorder {
	return &forwardRecorder{done: make(chan struct{}), want: want}
}

func (f *forwardRecorder) forward(msg *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if len(f.msgs) == f.want {
		close(f.done)
	}
}

func (f *forwardRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func fixedLocator(t Target) Locator {
	return PrefixLocator{
		Origin: "isolation://",
		Find: func() (*Endpoint, bool) {
			return &Endpoint{Origin: "isolation://app", Target: t}, true
		},
	}
}

func msg(cmd string) *transport.Message {
	return &transport.Message{Cmd: cmd, Callback: 1, Error: 2, Payload: map[string]any{"cmd": cmd}}
}

func TestRelay_QueuesUntilReady(t *testing.T) {
	target := &targetRecorder{}
	r := NewRelay(NewRelayParams{Locator: fixedLocator(target)})

	for _, c := range []string{"A", "B", "C"} {
		r.Send(msg(c))
	}
	if r.Queued() != 3 || len(target.cmds()) != 0 {
		t.Fatalf("%s - expected 3 queued and none posted, got %d queued %v posted", isolationTestPrefix, r.Queued(), target.cmds())
	}

	r.HandleMessage(ReadySignal)
	r.Send(msg("D"))

	got := target.cmds()
	want := []string{"A", "B", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("%s - posted %v, want %v", isolationTestPrefix, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s - posted %v, want %v", isolationTestPrefix, got, want)
			break
		}
	}
	if !r.Ready() || r.Queued() != 0 {
		t.Errorf("%s - relay should be ready with an empty queue", isolationTestPrefix)
	}

	r.HandleMessage(ReadySignal)
	if len(target.cmds()) != 4 {
		t.Errorf("%s - a second ready signal must not repost", isolationTestPrefix)
	}
}

func TestRelay_RejectsMalformedOutbound(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	target := &targetRecorder{}
	r := NewRelay(NewRelayParams{Locator: fixedLocator(target), Metrics: m})
	r.HandleMessage(ReadySignal)

	r.Send(&transport.Message{Cmd: "x", Callback: 0, Error: 2})
	r.Send(&transport.Message{Cmd: "x", Callback: 1, Error: 2, Payload: map[string]any{"nonce": 1}})

	if n := len(target.cmds()); n != 0 {
		t.Errorf("%s - posted %d malformed messages", isolationTestPrefix, n)
	}
	if got := testutil.ToFloat64(m.IsolationDropped.WithLabelValues(DropInvalidOutbound)); got != 2 {
		t.Errorf("%s - dropped outbound = %v, want 2", isolationTestPrefix, got)
	}
}

func TestRelay_IgnoresNonIsolationInbound(t *testing.T) {
	fwd := newForwardRecorder(1)
	r := NewRelay(NewRelayParams{Forward: fwd.forward})

	inputs := []any{
		map[string]any{"foo": 1},
		map[string]any{"payload": map[string]any{}},
		map[string]any{"payload": map[string]any{"nonce": []byte{1}, "extra": true}},
		"hello",
		nil,
	}
	for _, in := range inputs {
		r.HandleMessage(in)
	}
	if fwd.count() != 0 {
		t.Errorf("%s - forwarded %d invalid messages", isolationTestPrefix, fwd.count())
	}
}

func TestRelay_ForwardsIsolationMessage(t *testing.T) {
	fwd := newForwardRecorder(1)
	r := NewRelay(NewRelayParams{Forward: fwd.forward})

	r.HandleMessage(map[string]any{
		"cmd":           "greet",
		"callback":      float64(5),
		"error":         float64(6),
		"invocationKey": "k",
		"options":       map[string]any{"headers": map[string]any{"X-A": "b"}},
		"payload": map[string]any{
			"contentType": "application/json",
			"nonce":       []any{float64(1), float64(2)},
			"payload":     []byte{3},
		},
	})

	if fwd.count() != 1 {
		t.Fatalf("%s - forwarded %d, want 1", isolationTestPrefix, fwd.count())
	}
	got := fwd.msgs[0]
	sealed, ok := got.Payload.(*Sealed)
	if !ok {
		t.Fatalf("%s - payload = %T", isolationTestPrefix, got.Payload)
	}
	if got.Cmd != "greet" || got.Callback != 5 || got.Error != 6 || got.InvokeKey != "k" {
		t.Errorf("%s - message = %+v", isolationTestPrefix, got)
	}
	if got.Options == nil || got.Options.Headers["X-A"] != "b" {
		t.Errorf("%s - options = %+v", isolationTestPrefix, got.Options)
	}
	if string(sealed.Nonce) != "\x01\x02" || string(sealed.Payload) != "\x03" {
		t.Errorf("%s - sealed = %+v", isolationTestPrefix, sealed)
	}
}

func TestRelay_UnverifiedTargetStalls(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	target := &targetRecorder{}
	r := NewRelay(NewRelayParams{
		Locator: PrefixLocator{
			Origin: "isolation://",
			Find: func() (*Endpoint, bool) {
				return &Endpoint{Origin: "https://evil.example", Target: target}, true
			},
		},
		Metrics: m,
	})
	r.HandleMessage(ReadySignal)
	r.Send(msg("A"))

	if len(target.cmds()) != 0 {
		t.Errorf("%s - message posted to an unverified target", isolationTestPrefix)
	}
	if got := testutil.ToFloat64(m.IsolationDropped.WithLabelValues(DropTargetMissing)); got != 1 {
		t.Errorf("%s - target_missing drops = %v, want 1", isolationTestPrefix, got)
	}
}

func TestPrefixLocator(t *testing.T) {
	target := &targetRecorder{}
	tests := []struct {
		name    string
		loc     PrefixLocator
		wantErr error
	}{
		{"verified", PrefixLocator{Origin: "isolation://", Find: func() (*Endpoint, bool) { return &Endpoint{Origin: "isolation://x", Target: target}, true }}, nil},
		{"wrong origin", PrefixLocator{Origin: "isolation://", Find: func() (*Endpoint, bool) { return &Endpoint{Origin: "http://x", Target: target}, true }}, ErrTargetNotVerified},
		{"missing", PrefixLocator{Origin: "isolation://", Find: func() (*Endpoint, bool) { return nil, false }}, ErrTargetNotFound},
		{"no finder", PrefixLocator{Origin: "isolation://"}, ErrTargetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.loc.Locate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s - Locate() error = %v, want %v", isolationTestPrefix, err, tt.wantErr)
			}
		})
	}
}

func TestKeys_SealOpen(t *testing.T) {
	keys, err := NewKeys()
	if err != nil {
		t.Fatalf("%s - NewKeys: %v", isolationTestPrefix, err)
	}
	sealed, err := keys.Seal("text/plain", []byte("secret"))
	if err != nil {
		t.Fatalf("%s - Seal: %v", isolationTestPrefix, err)
	}
	if len(sealed.Nonce) != NonceSize || string(sealed.Payload) == "secret" {
		t.Fatalf("%s - sealed = %+v", isolationTestPrefix, sealed)
	}
	plain, err := keys.Open(sealed)
	if err != nil || string(plain) != "secret" {
		t.Fatalf("%s - Open = %q, %v", isolationTestPrefix, plain, err)
	}

	other, _ := NewKeys()
	if _, err := other.Open(sealed); err == nil {
		t.Errorf("%s - opening with the wrong key must fail", isolationTestPrefix)
	}
	if _, err := KeysFromRaw([]byte("short")); err == nil {
		t.Errorf("%s - short key accepted", isolationTestPrefix)
	}
}

func TestSandbox_EndToEnd(t *testing.T) {
	keys, err := NewKeys()
	if err != nil {
		t.Fatalf("%s - NewKeys: %v", isolationTestPrefix, err)
	}
	fwd := newForwardRecorder(3)

	var sandbox *Sandbox
	relay := NewRelay(NewRelayParams{
		Locator: PrefixLocator{
			Origin: "isolation://",
			Find: func() (*Endpoint, bool) {
				if sandbox == nil {
					return nil, false
				}
				return sandbox.Endpoint(), true
			},
		},
		Forward: fwd.forward,
	})
	sandbox, err = NewSandbox(NewSandboxParams{
		Origin:     "isolation://app",
		Keys:       keys,
		Parent:     relay,
		HookScript: `function isolationHook(p) { if (p.name) { p.name = p.name.toUpperCase(); } return p; }`,
	})
	if err != nil {
		t.Fatalf("%s - NewSandbox: %v", isolationTestPrefix, err)
	}

	relay.Send(&transport.Message{Cmd: "greet", Callback: 1, Error: 2, Payload: map[string]any{"name": "world"}})
	relay.Send(&transport.Message{Cmd: "upload", Callback: 3, Error: 4, Payload: []byte{1, 2, 3}})
	relay.Send(&transport.Message{Cmd: "raw", Callback: 5, Error: 6, Payload: json.RawMessage(`{"name":"ada"}`)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sandbox.Run(ctx)

	select {
	case <-fwd.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - timed out waiting for sealed messages, got %d", isolationTestPrefix, fwd.count())
	}

	greet := fwd.msgs[0]
	plain, err := keys.Open(greet.Payload.(*Sealed))
	if err != nil {
		t.Fatalf("%s - Open greet: %v", isolationTestPrefix, err)
	}
	var doc map[string]string
	if err := json.Unmarshal(plain, &doc); err != nil || doc["name"] != "WORLD" {
		t.Errorf("%s - greet plaintext = %s (%v)", isolationTestPrefix, plain, err)
	}
	if greet.Payload.(*Sealed).ContentType != "application/json" {
		t.Errorf("%s - greet content type = %q", isolationTestPrefix, greet.Payload.(*Sealed).ContentType)
	}

	upload := fwd.msgs[1]
	plain, err = keys.Open(upload.Payload.(*Sealed))
	if err != nil || string(plain) != "\x01\x02\x03" {
		t.Errorf("%s - upload plaintext = %v (%v)", isolationTestPrefix, plain, err)
	}
	if upload.Payload.(*Sealed).ContentType != "application/octet-stream" {
		t.Errorf("%s - upload content type = %q", isolationTestPrefix, upload.Payload.(*Sealed).ContentType)
	}

	plain, err = keys.Open(fwd.msgs[2].Payload.(*Sealed))
	if err != nil {
		t.Fatalf("%s - Open raw: %v", isolationTestPrefix, err)
	}
	doc = nil
	if err := json.Unmarshal(plain, &doc); err != nil || doc["name"] != "ADA" {
		t.Errorf("%s - raw plaintext = %s (%v)", isolationTestPrefix, plain, err)
	}
}

func TestNewSandbox_RequiresHookFunction(t *testing.T) {
	keys, _ := NewKeys()
	_, err := NewSandbox(NewSandboxParams{Keys: keys, Parent: NewRelay(NewRelayParams{}), HookScript: `var x = 1;`})
	if err == nil {
		t.Fatalf("%s - script without %s accepted", isolationTestPrefix, HookGlobal)
	}
}

type channelRef struct{ id int }

func (c channelRef) ToIPC() any { return "__CHANNEL__:" + string(rune('0'+c.id)) }

func TestSerializeIPCPayload(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"hook", channelRef{id: 1}, `"__CHANNEL__:1"`},
		{"string keys", map[string]any{"ch": channelRef{id: 2}}, `{"ch":"__CHANNEL__:2"}`},
		{"int keys", map[int]any{3: channelRef{id: 3}, 4: "x"}, `{"3":"__CHANNEL__:3","4":"x"}`},
		{"typed list", []channelRef{{id: 4}, {id: 5}}, `["__CHANNEL__:4","__CHANNEL__:5"]`},
		{"nested", []any{map[uint8]any{7: []any{channelRef{id: 6}}}}, `[{"7":["__CHANNEL__:6"]}]`},
		{"nil map", map[int]any(nil), `null`},
		{"raw document", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"struct", struct {
			Ch   channelRef `json:"ch"`
			Data []byte     `json:"data"`
		}{Ch: channelRef{id: 8}, Data: []byte{1}}, `{"ch":"__CHANNEL__:8","data":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(serializeIPCPayload(tt.in))
			if err != nil {
				t.Fatalf("%s - encode failed: %v", isolationTestPrefix, err)
			}
			if string(data) != tt.want {
				t.Errorf("%s - got %s, want %s", isolationTestPrefix, data, tt.want)
			}
		})
	}
}
