package commsutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const posterLogPrefix = "commsutil:poster"

// Poster publishes raw invoke envelopes on the host's post subject.
// It implements transport.Poster.
type Poster struct {
	nc      *comms.Conn
	subject string
}

// NewPoster creates a Poster for the host labelled label.
func NewPoster(nc *comms.Conn, label string) *Poster {
	return &Poster{nc: nc, subject: BuildPostSubject(label)}
}

// Subject returns the subject messages are published on.
func (p *Poster) Subject() string {
	return p.subject
}

// PostMessage publishes data. It does not wait for the host.
func (p *Poster) PostMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(data, p.nc.MaxPayload()); err != nil {
		return fmt.Errorf("%s - refusing to post to %s: %w", posterLogPrefix, p.subject, err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", posterLogPrefix, p.subject, err)
	}
	return nil
}

// SubscribeFrames delivers every callback frame the host publishes for
// invokeKey to handle.
func SubscribeFrames(nc *comms.Conn, label, invokeKey string, handle func(data []byte) error) (*comms.Subscription, error) {
	subject := BuildFrameSubject(label, invokeKey)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		if err := handle(msg.Data); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping frame on %s: %v", posterLogPrefix, subject, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", posterLogPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - Subscribed to frames on %s", posterLogPrefix, subject))
	return sub, nil
}

// PublishFrame publishes a callback frame for invokeKey. Hosts use it.
func PublishFrame(nc *comms.Conn, label, invokeKey string, frame any) error {
	data, err := EncodePayload(frame)
	if err != nil {
		return fmt.Errorf("%s - failed to encode frame: %w", posterLogPrefix, err)
	}
	subject := BuildFrameSubject(label, invokeKey)
	if err := checkSize(data, nc.MaxPayload()); err != nil {
		return fmt.Errorf("%s - refusing to publish frame to %s: %w", posterLogPrefix, subject, err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish frame to %s: %w", posterLogPrefix, subject, err)
	}
	return nil
}

// ReadyReply answers a readiness request.
type ReadyReply struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version,omitempty"`
}

// QueryReady asks the host labelled label whether it is ready.
func QueryReady(nc *comms.Conn, label string, timeout time.Duration) (*ReadyReply, error) {
	msg, err := nc.Request(BuildReadySubject(label), nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s - readiness request failed: %w", posterLogPrefix, err)
	}
	var reply ReadyReply
	if err := DecodePayload(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("%s - failed to decode readiness reply: %w", posterLogPrefix, err)
	}
	return &reply, nil
}

// ServeReady answers readiness requests for label with the result of state.
func ServeReady(nc *comms.Conn, label string, state func() ReadyReply) (*comms.Subscription, error) {
	subject := BuildReadySubject(label)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		data, err := EncodePayload(state())
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode readiness reply: %v", posterLogPrefix, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", posterLogPrefix, subject, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", posterLogPrefix, subject, err)
	}
	return sub, nil
}
