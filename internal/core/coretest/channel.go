// Package coretest provides in-memory fakes of the media engine and the
// signaling channel for tests.
package coretest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
)

// Message is one recorded outbound notification or request.
type Message struct {
	Method string
	Data   any
}

// Channel is a recording core.SignalChannel.
type Channel struct {
	id string

	mu            sync.Mutex
	notifications []Message
	requests      []Message
	closed        bool
	handler       core.RequestHandler
	onClose       func()
	handlerSets   int

	// RequestFunc decides the outcome of each server-initiated request.
	// When nil every request is acknowledged with an empty result.
	RequestFunc func(ctx context.Context, method string, data any) (json.RawMessage, error)
	// NotifyErr is returned by Notify when set.
	NotifyErr error
}

var _ core.SignalChannel = (*Channel)(nil)

func NewChannel(id string) *Channel {
	return &Channel{id: id}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrChannelClosed
	}
	c.requests = append(c.requests, Message{Method: method, Data: data})
	fn := c.RequestFunc
	c.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn(ctx, method, data)
}

func (c *Channel) Notify(method string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	if c.NotifyErr != nil {
		return c.NotifyErr
	}
	c.notifications = append(c.notifications, Message{Method: method, Data: data})
	return nil
}

func (c *Channel) OnRequest(fn core.RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	c.handlerSets++
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Close marks the channel closed and fires the close handler once, like a
// dropped connection would.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Call delivers an inbound request to the registered handler.
func (c *Channel) Call(ctx context.Context, method string, data any) (any, error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return nil, core.ErrChannelClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if data == nil {
		raw = nil
	}
	return h(ctx, method, raw)
}

func (c *Channel) HandlerSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlerSets
}

func (c *Channel) Notifications() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.notifications...)
}

func (c *Channel) Requests() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.requests...)
}

// Count returns how many notifications with method were sent.
func (c *Channel) Count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.notifications {
		if m.Method == method {
			n++
		}
	}
	return n
}

// Last returns the most recent notification with method.
func (c *Channel) Last(method string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.notifications) - 1; i >= 0; i-- {
		if c.notifications[i].Method == method {
			return c.notifications[i], true
		}
	}
	return Message{}, false
}

func (c *Channel) RequestCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.requests {
		if m.Method == method {
			n++
		}
	}
	return n
}

// NeverAck makes every request wait until its context ends.
func NeverAck(ctx context.Context, _ string, _ any) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
