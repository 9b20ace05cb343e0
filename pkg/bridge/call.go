package bridge

import (
	"context"
	"sync"

	"github.com/morezero/webview-ipc/pkg/callback"
	"github.com/morezero/webview-ipc/pkg/metrics"
)

// Call is one pending invocation. It settles exactly once.
type Call struct {
	s      *Session
	cmd    string
	okTok  callback.Token
	errTok callback.Token

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// Cmd returns the invoked command.
func (c *Call) Cmd() string {
	return c.cmd
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled value. It must only be called after Done is closed.
func (c *Call) Result() (any, error) {
	return c.value, c.err
}

// Await waits for the call to settle. If ctx ends first the call is
// cancelled and ctx.Err() is returned; work already sent to the host is not stopped.
func (c *Call) Await(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		c.Cancel()
		<-c.done
		if c.err == ErrCancelled {
			return nil, ctx.Err()
		}
		return c.value, c.err
	}
}

// Cancel abandons the call and releases both of its callback tokens.
func (c *Call) Cancel() {
	c.settle(nil, ErrCancelled, metrics.OutcomeCancelled)
}

func (c *Call) settle(value any, err error, outcome string) bool {
	settled := false
	c.once.Do(func() {
		settled = true
		c.value = value
		c.err = err
		c.s.registry.Remove(c.okTok)
		c.s.registry.Remove(c.errTok)
		c.s.forget(c)
		c.s.metrics.CallSettled(outcome)
		close(c.done)
	})
	return settled
}
