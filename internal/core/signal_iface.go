package core

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrChannelClosed = errors.New("signal channel closed")
	// ErrBackpressure is returned by a channel whose send buffer is full.
	ErrBackpressure = errors.New("backpressure")
)

// RequestHandler serves one inbound request. The returned error should be a
// *RequestError; anything else is reported to the peer as an internal error.
type RequestHandler func(ctx context.Context, method string, data json.RawMessage) (any, error)

// SignalChannel abstracts the bidirectional messaging transport to one peer.
// Owned by the adapter; the adapter must Close() it.
type SignalChannel interface {
	ID() string
	// Request sends one server-initiated request and waits for its response
	// or for ctx to end. A rejected request returns a *RequestError.
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)
	// Notify is fire-and-forget.
	Notify(method string, data any) error
	// OnRequest and OnClose replace any previously registered handler.
	OnRequest(fn RequestHandler)
	OnClose(fn func())
	Close()
}
