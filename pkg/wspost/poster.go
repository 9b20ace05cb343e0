// Package wspost carries the raw message-post transport over a websocket:
// envelopes are written as text messages and callback frames are read back.
package wspost

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const logPrefix = "wspost:poster"

const writeWait = 10 * time.Second

// FrameHandler receives each frame read from the connection.
type FrameHandler func(data []byte) error

// DialParams configures Dial.
type DialParams struct {
	URL    string
	Header http.Header
	// OnFrame receives frames sent by the host.
	OnFrame FrameHandler
}

// Poster is a websocket raw message-post transport. It implements transport.Poster.
type Poster struct {
	conn    *websocket.Conn
	onFrame FrameHandler

	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// Dial connects to the host and starts the frame read loop.
func Dial(ctx context.Context, params DialParams) (*Poster, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, params.URL, params.Header)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", logPrefix, params.URL, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to %s", logPrefix, params.URL))
	p := &Poster{conn: conn, onFrame: params.OnFrame, done: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

// PostMessage writes data as one text message.
func (p *Poster) PostMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return fmt.Errorf("%s - connection closed: %w", logPrefix, p.err)
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%s - failed to write message: %w", logPrefix, err)
	}
	return nil
}

// Done is closed when the read loop stops.
func (p *Poster) Done() <-chan struct{} {
	return p.done
}

// Close sends a close message and closes the connection.
func (p *Poster) Close() error {
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	err := p.conn.Close()
	<-p.done
	return err
}

func (p *Poster) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn(fmt.Sprintf("%s - websocket read error: %v", logPrefix, err))
			}
			p.err = err
			return
		}
		if p.onFrame == nil {
			continue
		}
		if err := p.onFrame(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping frame: %v", logPrefix, err))
		}
	}
}
