package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer = 64
	DefaultReadLimit  = 1 << 20
	DefaultPingPeriod = 54 * time.Second

	writeWait     = 5 * time.Second
	inboundBuffer = 64
)

type Options struct {
	SendBuffer int
	ReadLimit  int64
	// PingPeriod must stay below the pong deadline, which is derived as
	// PingPeriod * 10 / 9.
	PingPeriod time.Duration
	Limiter    *RateLimiter
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	return o
}

type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest completes at most once; later responses with the same id
// are dropped.
type pendingRequest struct {
	once sync.Once
	done chan result
}

func (pr *pendingRequest) complete(res result) {
	pr.once.Do(func() { pr.done <- res })
}

// Channel is a core.SignalChannel over one websocket connection. Inbound
// requests are served one at a time in arrival order, responses to our own
// requests are resolved directly by the read loop.
type Channel struct {
	id     string
	peerID string
	conn   *websocket.Conn
	codec  Codec
	opts   Options
	log    zerolog.Logger

	send    chan []byte
	inbound chan frame
	nextID  atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	handler  core.RequestHandler
	onClose  func()
	running  bool
	finished bool

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

var _ core.SignalChannel = (*Channel)(nil)

func NewChannel(conn *websocket.Conn, peerID string, codec Codec, opts Options) *Channel {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Channel{
		id:      id,
		peerID:  peerID,
		conn:    conn,
		codec:   codec,
		opts:    opts,
		log:     log.With().Str("module", "signal").Str("peer_id", peerID).Str("channel_id", id).Logger(),
		send:    make(chan []byte, opts.SendBuffer),
		inbound: make(chan frame, inboundBuffer),
		pending: make(map[uint64]*pendingRequest),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) PeerID() string { return c.peerID }

func (c *Channel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	pr := &pendingRequest{done: make(chan result, 1)}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil, core.ErrChannelClosed
	}
	c.pending[id] = pr
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameRequest, ID: id, Method: method, Data: raw}); err != nil {
		return nil, err
	}
	select {
	case res := <-pr.done:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, core.ErrChannelClosed
	}
}

func (c *Channel) Notify(method string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return c.write(frame{Type: frameNotification, Method: method, Data: raw})
}

func (c *Channel) OnRequest(fn core.RequestHandler) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// OnClose runs fn right away when the channel is already gone, so a drop
// racing with registration is never lost.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	c.onClose = fn
	c.mu.Unlock()
}

// Close flushes queued messages, sends a close frame and tears the
// connection down. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.finish()
	}
}

// Done is closed once the connection is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Run serves the connection until it drops or Close is called.
func (c *Channel) Run(ctx context.Context) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.writePump()
	go c.serve(ctx)
	c.readPump(ctx)
}

func (c *Channel) write(f frame) error {
	b, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}
	select {
	case <-c.closing:
		return core.ErrChannelClosed
	case <-c.done:
		return core.ErrChannelClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Channel) finish() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	fn := c.onClose
	c.onClose = nil
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	close(c.done)
	_ = c.conn.Close()
	for _, pr := range pending {
		pr.complete(result{err: core.ErrChannelClosed})
	}
	c.log.Debug().Msg("channel closed")
	if fn != nil {
		fn()
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.log.Debug().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("writePump ping error")
				return
			}
		case <-c.closing:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Channel) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) writeMessage(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(c.codec.MessageType(), msg)
}

func (c *Channel) readPump(ctx context.Context) {
	defer c.finish()

	pongWait := c.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case frameResponse:
			c.resolve(f)
		case frameRequest:
			if !c.opts.Limiter.Allow(c.peerID) {
				c.respond(f.ID, nil, core.TooManyRequests("too many requests"))
				continue
			}
			select {
			case c.inbound <- f:
			case <-ctx.Done():
				return
			}
		default:
			c.log.Debug().Str("type", f.Type).Msg("unknown frame type")
		}
	}
}

func (c *Channel) resolve(f frame) {
	c.mu.Lock()
	pr, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("id", f.ID).Msg("dropping late response")
		return
	}
	if f.OK {
		pr.complete(result{data: f.Data})
		return
	}
	code := f.ErrorCode
	if code == 0 {
		code = http.StatusInternalServerError
	}
	pr.complete(result{err: &core.RequestError{Code: code, Message: f.ErrorReason}})
}

func (c *Channel) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.inbound:
			c.handle(ctx, f)
		}
	}
}

func (c *Channel) handle(ctx context.Context, f frame) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.respond(f.ID, nil, core.NotFound("no handler for %s", f.Method))
		return
	}

	data, err := c.call(ctx, h, f)
	c.respond(f.ID, data, err)
}

func (c *Channel) call(ctx context.Context, h core.RequestHandler, f frame) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Interface("panic", rec).Str("method", f.Method).Bytes("stack", debug.Stack()).Msg("request handler panicked")
			data, err = nil, core.Internal()
		}
	}()
	return h(ctx, f.Method, f.Data)
}

func (c *Channel) respond(id uint64, data any, err error) {
	res := frame{Type: frameResponse, ID: id}
	if err != nil {
		re, ok := core.AsRequestError(err)
		if !ok {
			re = core.Internal()
		}
		res.ErrorCode = re.Code
		res.ErrorReason = re.Message
	} else {
		raw, merr := marshalData(data)
		if merr != nil {
			c.log.Error().Err(merr).Uint64("id", id).Msg("marshal response")
			res.ErrorCode = http.StatusInternalServerError
			res.ErrorReason = core.Internal().Message
		} else {
			res.OK = true
			res.Data = raw
		}
	}
	if werr := c.write(res); werr != nil {
		c.log.Debug().Err(werr).Uint64("id", id).Msg("response not sent")
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return raw, nil
}
