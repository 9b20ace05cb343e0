// Package callback implements the token -> handler table that routes native
// responses back to the code waiting for them.
package callback

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	xsync "github.com/puzpuzpuz/xsync/v2"

	"github.com/morezero/webview-ipc/pkg/metrics"
)

const logPrefix = "callback:registry"

// Token identifies a registered handler. Zero is never allocated.
type Token uint32

// Handler receives the value delivered for a token.
type Handler func(value any)

// Deliverer is the part of the registry the transports need.
type Deliverer interface {
	Deliver(token Token, value any) bool
}

type entry struct {
	handler Handler
	once    bool
}

// Registry maps tokens to handlers. It is safe for concurrent use.
type Registry struct {
	entries map[Token]*entry
	mu      *xsync.RBMutex
	next    atomic.Uint32
	metrics *metrics.Metrics
}

// New creates an empty Registry. m may be nil.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[Token]*entry),
		mu:      xsync.NewRBMutex(),
		metrics: m,
	}
}

// Register installs handler under a fresh token. A once handler is removed
// from the table before it runs, so it fires at most one time.
func (r *Registry) Register(handler Handler, once bool) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		tok := Token(r.next.Add(1))
		if tok == 0 {
			continue
		}
		if _, taken := r.entries[tok]; taken {
			continue
		}
		r.entries[tok] = &entry{handler: handler, once: once}
		return tok
	}
}

// Deliver runs the handler registered under token with value. It returns
// false when no handler is registered, which happens when a response outlives
// the call that was waiting for it.
func (r *Registry) Deliver(token Token, value any) bool {
	e, ok := r.take(token)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - stale callback %d, response discarded", logPrefix, token))
		r.metrics.Stale()
		return false
	}
	if e.handler != nil {
		e.handler(value)
	}
	return true
}

func (r *Registry) take(token Token) (*entry, bool) {
	rtok := r.mu.RLock()
	e, ok := r.entries[token]
	r.mu.RUnlock(rtok)
	if !ok {
		return nil, false
	}
	if !e.once {
		return e, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another delivery may have won the race for this once entry
	if cur, still := r.entries[token]; !still || cur != e {
		return nil, false
	}
	delete(r.entries, token)
	return e, true
}

// Remove drops the handler for token. Removing an unknown token is a no-op.
func (r *Registry) Remove(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}

// Has reports whether token is registered.
func (r *Registry) Has(token Token) bool {
	rtok := r.mu.RLock()
	defer r.mu.RUnlock(rtok)
	_, ok := r.entries[token]
	return ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	rtok := r.mu.RLock()
	defer r.mu.RUnlock(rtok)
	return len(r.entries)
}
