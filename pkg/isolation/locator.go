package isolation

import (
	"errors"
	"strings"
)

var (
	// ErrTargetNotFound means the intermediate context does not exist yet.
	ErrTargetNotFound = errors.New("isolation: intermediate context not found")
	// ErrTargetNotVerified means the located context has an unexpected origin.
	ErrTargetNotVerified = errors.New("isolation: intermediate context origin not verified")
)

// Target receives messages posted to the intermediate context.
type Target interface {
	PostMessage(data any)
}

// Listener receives messages posted back to the main context.
type Listener interface {
	HandleMessage(data any)
}

// Endpoint is a located intermediate context.
type Endpoint struct {
	Origin string
	Target Target
}

// Locator finds the intermediate context.
type Locator interface {
	Locate() (*Endpoint, error)
}

// PrefixLocator accepts the endpoint returned by Find only when its origin
// starts with Origin.
type PrefixLocator struct {
	Origin string
	Find   func() (*Endpoint, bool)
}

// Locate implements Locator.
func (l PrefixLocator) Locate() (*Endpoint, error) {
	if l.Find == nil {
		return nil, ErrTargetNotFound
	}
	ep, ok := l.Find()
	if !ok || ep == nil || ep.Target == nil {
		return nil, ErrTargetNotFound
	}
	if l.Origin == "" || !strings.HasPrefix(ep.Origin, l.Origin) {
		return nil, ErrTargetNotVerified
	}
	return ep, nil
}
