package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/payload"
)

const protocolLogPrefix = "transport:protocol"

// DefaultProtocolLabel is the label of the IPC custom protocol.
const DefaultProtocolLabel = "ipc"

// NewProtocolParams configures a Protocol.
type NewProtocolParams struct {
	// Label names the protocol ("ipc" -> http://ipc.localhost/...).
	Label string
	// HostQualified selects http://<label>.localhost addressing instead of <label>://localhost.
	HostQualified bool
	// Endpoint overrides the derived base URL (e.g. a loopback host).
	Endpoint string
	// Client performs the requests. Defaults to a client with a 30s timeout.
	Client *http.Client
	// Deliverer receives decoded responses.
	Deliverer callback.Deliverer
}

// Protocol is the request/response custom-protocol transport.
type Protocol struct {
	base      string
	client    *http.Client
	deliverer callback.Deliverer
}

// NewProtocol creates a Protocol.
func NewProtocol(params NewProtocolParams) *Protocol {
	label := params.Label
	if label == "" {
		label = DefaultProtocolLabel
	}
	client := params.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(params.Endpoint, "/")
	if base == "" {
		base = BaseURL(label, params.HostQualified)
	}
	return &Protocol{base: base, client: client, deliverer: params.Deliverer}
}

// BaseURL derives the virtual endpoint of a custom protocol.
func BaseURL(label string, hostQualified bool) string {
	if hostQualified {
		return "http://" + label + ".localhost"
	}
	return label + "://localhost"
}

// URL returns the address a command is posted to.
func (p *Protocol) URL(cmd string) string {
	return p.base + "/" + url.PathEscape(cmd)
}

// Send posts msg and delivers the response to the callback or error token
// named by the response header. A returned *Error with CodeTransportFailed
// means the request never produced a usable response.
func (p *Protocol) Send(ctx context.Context, msg *Message) error {
	body, err := payload.Serialize(msg.Payload)
	if err != nil {
		return &Error{Code: CodeEncodeFailed, Message: "failed to serialize payload", Err: err}
	}
	data, err := body.Bytes()
	if err != nil {
		return &Error{Code: CodeEncodeFailed, Message: "failed to encode payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL(msg.Cmd), bytes.NewReader(data))
	if err != nil {
		return &Error{Code: CodeTransportFailed, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", body.ContentType)
	req.Header.Set(HeaderCallback, strconv.FormatUint(uint64(msg.Callback), 10))
	req.Header.Set(HeaderError, strconv.FormatUint(uint64(msg.Error), 10))
	req.Header.Set(HeaderInvokeKey, msg.InvokeKey)
	for k, v := range msg.headers() {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Code: CodeTransportFailed, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: CodeTransportFailed, Message: "failed to read response", Err: err}
	}
	value, err := payload.Decode(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return &Error{Code: CodeTransportFailed, Message: "failed to decode response", Err: err}
	}

	token := msg.Error
	if resp.Header.Get(HeaderResponse) == ResponseOk {
		token = msg.Callback
	}
	slog.Debug(fmt.Sprintf("%s - %s answered %s (status %d)", protocolLogPrefix, msg.Cmd, resp.Header.Get(HeaderResponse), resp.StatusCode))
	p.deliverer.Deliver(token, value)
	return nil
}
