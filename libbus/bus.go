// Package libbus is the messaging backbone of the realtime layer. It hides
// whether events travel over a NATS connection or an in-process bus, so the
// transport state machine and its tests run against the same contract.
package libbus

import (
	"context"
	"errors"
)

var (
	// ErrConnectionClosed is returned by all operations after Close.
	ErrConnectionClosed = errors.New("libbus: connection closed")
	// ErrRequestTimeout is returned when a request saw no reply in time.
	ErrRequestTimeout = errors.New("libbus: request timed out")
)

// Handler processes one request and produces a reply.
type Handler func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is a handle to an active stream or serve registration.
type Subscription interface {
	Unsubscribe() error
}

// ConnEvent signals a change of the underlying connection.
type ConnEvent int

const (
	ConnConnected ConnEvent = iota
	ConnDisconnected
	ConnReconnected
)

func (e ConnEvent) String() string {
	switch e {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Messenger is the pub-sub surface used by the realtime transport.
type Messenger interface {
	// Publish sends a fire-and-forget message to all subscribers of subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Stream subscribes to subject and delivers payloads into ch until ctx
	// is cancelled or the subscription is unsubscribed.
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	// Request sends data to subject and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Serve registers a reply handler for subject.
	Serve(ctx context.Context, subject string, handler Handler) (Subscription, error)
	// NotifyConnEvents delivers connection lifecycle events into ch until
	// ctx is cancelled. The channel should be buffered; events that cannot
	// be delivered immediately are dropped.
	NotifyConnEvents(ctx context.Context, ch chan<- ConnEvent) error
	Close() error
}
