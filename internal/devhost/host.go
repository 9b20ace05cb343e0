// Package devhost is a loopback native host for development and tests. It
// answers custom-protocol requests over HTTP, raw posts over COMMS or a
// websocket, and pushes callback frames back to the webview side.
package devhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/channel"
	"github.com/morezero/webview-ipc/pkg/commsutil"
	"github.com/morezero/webview-ipc/pkg/isolation"
	"github.com/morezero/webview-ipc/pkg/payload"
	"github.com/morezero/webview-ipc/pkg/transport"
)

const logPrefix = "devhost:host"

// DefaultParkThreshold is the encoded size above which channel messages are
// parked for fetching instead of pushed.
const DefaultParkThreshold = 8 * 1024

// SocketPath is where the websocket post transport is served.
const SocketPath = "/ipc"

const shutdownTimeout = 5 * time.Second

// NewHostParams configures a Host.
type NewHostParams struct {
	Addr string
	// Label names the host on COMMS subjects.
	Label string
	// Conn enables the COMMS post transport and frame push. May be nil.
	Conn *comms.Conn
	// Keys opens isolation-sealed payloads. May be nil.
	Keys           *isolation.Keys
	Version        string
	ParkThreshold  int
	RequestTimeout time.Duration
}

// Host is a loopback native host.
type Host struct {
	addr           string
	label          string
	nc             *comms.Conn
	keys           *isolation.Keys
	hostVersion    string
	parkThreshold  int
	requestTimeout time.Duration
	dispatcher     *Dispatcher
	upgrader       websocket.Upgrader

	mu          sync.Mutex
	bound       string
	subs        []*comms.Subscription
	parked      map[uint32][]byte
	nextFetchID uint32
	listeners   map[uint32]listener
	nextEventID uint32
	sockets     map[string]*socket
}

// NewHost creates a Host with the built-in commands registered.
func NewHost(params NewHostParams) *Host {
	h := &Host{
		addr:           params.Addr,
		label:          params.Label,
		nc:             params.Conn,
		keys:           params.Keys,
		hostVersion:    params.Version,
		parkThreshold:  params.ParkThreshold,
		requestTimeout: params.RequestTimeout,
		dispatcher:     NewDispatcher(),
		parked:         make(map[uint32][]byte),
		listeners:      make(map[uint32]listener),
		sockets:        make(map[string]*socket),
	}
	if h.label == "" {
		h.label = "main"
	}
	if h.parkThreshold <= 0 {
		h.parkThreshold = DefaultParkThreshold
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = 30 * time.Second
	}
	h.registerBuiltins()
	return h
}

// Dispatcher returns the command dispatcher so callers can add commands.
func (h *Host) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Addr returns the bound listen address once Run is serving.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

// Run serves HTTP and, when a COMMS connection is set, the post and
// readiness subjects. It blocks until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Subscribe(); err != nil {
		return err
	}
	defer h.Unsubscribe()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, h.addr, err)
	}
	h.mu.Lock()
	h.bound = ln.Addr().String()
	h.mu.Unlock()

	srv := &http.Server{Handler: h}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - Dev host listening on %s", logPrefix, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info(fmt.Sprintf("%s - Shutting down dev host", logPrefix))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Subscribe attaches the host to its COMMS post and readiness subjects.
// It is a no-op without a connection.
func (h *Host) Subscribe() error {
	if h.nc == nil {
		return nil
	}
	post, err := h.nc.Subscribe(commsutil.BuildPostSubject(h.label), func(msg *comms.Msg) {
		h.handlePost(msg.Data, nil)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to post subject: %w", logPrefix, err)
	}
	ready, err := commsutil.ServeReady(h.nc, h.label, func() commsutil.ReadyReply {
		return commsutil.ReadyReply{Ready: true, Version: h.hostVersion}
	})
	if err != nil {
		post.Unsubscribe()
		return err
	}
	h.mu.Lock()
	h.subs = append(h.subs, post, ready)
	h.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, commsutil.BuildPostSubject(h.label)))
	return nil
}

// Unsubscribe detaches the host from COMMS.
func (h *Host) Unsubscribe() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// ServeHTTP answers custom-protocol invokes (POST /<cmd>), health checks
// and websocket upgrades on SocketPath.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
		h.handleInvoke(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		w.Header().Set("Content-Type", payload.ContentTypeJSON)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	case r.Method == http.MethodGet && r.URL.Path == "/ready":
		w.Header().Set("Content-Type", payload.ContentTypeJSON)
		json.NewEncoder(w).Encode(commsutil.ReadyReply{Ready: true, Version: h.hostVersion})
	case r.Method == http.MethodGet && r.URL.Path == SocketPath:
		h.serveSocket(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Host) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		ct = payload.ContentTypeJSON
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	req := &Request{
		Cmd:         strings.TrimPrefix(r.URL.Path, "/"),
		ContentType: ct,
		Body:        body,
		Headers:     headers,
		InvokeKey:   r.Header.Get(transport.HeaderInvokeKey),
	}

	value, err := h.invoke(r.Context(), req)
	out, ok, err := encodeResult(value, err)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s response: %v", logPrefix, req.Cmd, err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	data, err := out.Bytes()
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s response: %v", logPrefix, req.Cmd, err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	status := transport.ResponseError
	if ok {
		status = transport.ResponseOk
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set(transport.HeaderResponse, status)
	w.Write(data)
}

// postEnvelope is a raw posted invoke.
type postEnvelope struct {
	Cmd       string             `json:"cmd"`
	Callback  callback.Token     `json:"callback"`
	Error     callback.Token     `json:"error"`
	Payload   json.RawMessage    `json:"payload"`
	Options   *transport.Options `json:"options,omitempty"`
	InvokeKey string             `json:"invocationKey"`
}

// handlePost runs one posted invoke and pushes the result frame. Frames go
// to sock when the post arrived on a websocket.
func (h *Host) handlePost(data []byte, sock *socket) {
	var env postEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode posted message: %v", logPrefix, err))
		return
	}
	if sock != nil {
		h.mu.Lock()
		h.sockets[env.InvokeKey] = sock
		h.mu.Unlock()
	}
	body := []byte(env.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}
	req := &Request{
		Cmd:         env.Cmd,
		ContentType: payload.ContentTypeJSON,
		Body:        body,
		InvokeKey:   env.InvokeKey,
	}
	if env.Options != nil {
		req.Headers = env.Options.Headers
		if env.Options.CustomProtocolBlocked {
			slog.Debug(fmt.Sprintf("%s - %s posted after custom protocol failure", logPrefix, env.Cmd))
		}
	}

	value, err := h.invoke(context.Background(), req)
	out, ok, err := encodeResult(value, err)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s response: %v", logPrefix, env.Cmd, err))
		return
	}
	doc, err := json.Marshal(out.Document())
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s response: %v", logPrefix, env.Cmd, err))
		return
	}
	token := env.Error
	if ok {
		token = env.Callback
	}
	if err := h.push(env.InvokeKey, transport.Frame{Callback: token, Payload: doc}); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to push %s response: %v", logPrefix, env.Cmd, err))
	}
}

func (h *Host) invoke(ctx context.Context, req *Request) (any, error) {
	if err := h.open(req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()
	return h.dispatcher.Dispatch(ctx, req)
}

// open replaces an isolation-sealed body with its plaintext.
func (h *Host) open(req *Request) error {
	if h.keys == nil || req.ContentType != payload.ContentTypeJSON {
		return nil
	}
	var sealed isolation.Sealed
	if err := json.Unmarshal(req.Body, &sealed); err != nil || sealed.ContentType == "" || len(sealed.Nonce) == 0 {
		return nil
	}
	plain, err := h.keys.Open(&sealed)
	if err != nil {
		return &CommandError{Code: "DECRYPT_FAILED", Message: err.Error()}
	}
	req.ContentType = sealed.ContentType
	req.Body = plain
	return nil
}

// encodeResult serializes a handler result. Errors travel as their
// CommandError document or as a plain string.
func encodeResult(value any, err error) (*payload.Body, bool, error) {
	ok := err == nil
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			value = cerr
		} else {
			value = err.Error()
		}
	}
	body, encErr := payload.Serialize(value)
	return body, ok, encErr
}

// push routes a frame to the webview that owns invokeKey.
func (h *Host) push(invokeKey string, frame transport.Frame) error {
	h.mu.Lock()
	sock := h.sockets[invokeKey]
	h.mu.Unlock()
	if sock != nil {
		return sock.writeFrame(frame)
	}
	if h.nc != nil {
		return commsutil.PublishFrame(h.nc, h.label, invokeKey, frame)
	}
	return &CommandError{Code: "NO_PUSH", Message: "no frame route for invoke key " + invokeKey}
}

// pushChannel sends one channel message, parking it when it is too large.
func (h *Host) pushChannel(invokeKey string, tok callback.Token, index uint64, data []byte) error {
	if len(data) > h.parkThreshold {
		h.mu.Lock()
		h.nextFetchID++
		id := h.nextFetchID
		h.parked[id] = data
		h.mu.Unlock()
		return h.push(invokeKey, transport.Frame{Callback: tok, FetchID: &id, Index: index})
	}
	msg, err := json.Marshal(channel.Message{Message: data, Index: index})
	if err != nil {
		return err
	}
	return h.push(invokeKey, transport.Frame{Callback: tok, Payload: msg})
}

type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *socket) writeFrame(frame transport.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Host) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket upgrade failed: %v", logPrefix, err))
		return
	}
	sock := &socket{conn: conn}
	defer func() {
		h.mu.Lock()
		for key, s := range h.sockets {
			if s == sock {
				delete(h.sockets, key)
			}
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug(fmt.Sprintf("%s - websocket read error: %v", logPrefix, err))
			}
			return
		}
		h.handlePost(data, sock)
	}
}
