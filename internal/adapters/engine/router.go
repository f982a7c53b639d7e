package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// codecCapability is the client-facing view of a codec.
type codecCapability struct {
	Kind        string `json:"kind,omitempty"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate,omitempty"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type rtpCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

var routerCapabilities = func() json.RawMessage {
	caps := rtpCapabilities{}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, codecCapability{
			Kind:        c.kind.String(),
			MimeType:    c.params.MimeType,
			ClockRate:   c.params.ClockRate,
			Channels:    c.params.Channels,
			SDPFmtpLine: c.params.SDPFmtpLine,
		})
	}
	b, _ := json.Marshal(caps)
	return b
}()

type emitter struct {
	hmu     sync.Mutex
	handler func(core.MediaEvent)
}

func (e *emitter) OnEvent(fn func(core.MediaEvent)) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handler = fn
}

func (e *emitter) emit(ev core.MediaEvent) {
	e.hmu.Lock()
	fn := e.handler
	e.hmu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Router groups transports on one worker. Producers piped from another
// router are shared in memory; no extra RTP hop is needed in-process.
type Router struct {
	id     string
	roomID string
	worker *Worker
	log    zerolog.Logger

	mu         sync.Mutex
	producers  map[string]*Producer
	transports map[string]*Transport
	closed     bool
}

var _ core.Router = (*Router)(nil)

func newRouter(w *Worker, roomID string) *Router {
	id := uuid.NewString()
	return &Router{
		id:         id,
		roomID:     roomID,
		worker:     w,
		log:        log.With().Str("module", "engine").Str("router_id", id).Str("room_id", roomID).Logger(),
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
	}
}

func (r *Router) ID() string                       { return r.id }
func (r *Router) WorkerID() string                 { return r.worker.id }
func (r *Router) RtpCapabilities() json.RawMessage { return routerCapabilities }

// CanConsume reports whether producerID lives on r and caps lists its codec.
func (r *Router) CanConsume(producerID string, caps json.RawMessage) bool {
	p, ok := r.producer(producerID)
	if !ok || p.Closed() {
		return false
	}
	var c rtpCapabilities
	if err := json.Unmarshal(caps, &c); err != nil {
		return false
	}
	mime := p.codec().MimeType
	for _, cc := range c.Codecs {
		if strings.EqualFold(cc.MimeType, mime) {
			return true
		}
	}
	return false
}

func (r *Router) PipeToRouter(ctx context.Context, producerID string, target core.Router) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, ok := target.(*Router)
	if !ok {
		return core.ErrUnsupported
	}
	p, ok := r.producer(producerID)
	if !ok || p.Closed() {
		return core.ErrProducerNotFound
	}
	if dst.addProducer(p) {
		r.log.Debug().Str("producer_id", producerID).Str("target_router_id", dst.id).Msg("producer piped")
	}
	return nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.WebRtcTransportOptions) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, core.ErrTransportClosed
	}
	t, err := newTransport(r)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, core.ErrTransportClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// CreatePlainTransport is not available: pion only speaks ICE/DTLS.
func (r *Router) CreatePlainTransport(ctx context.Context, opts core.PlainTransportOptions) (core.Transport, error) {
	return nil, &core.RequestError{Code: http.StatusNotImplemented, Message: "plain transports are not supported"}
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = map[string]*Transport{}
	r.producers = map[string]*Producer{}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.worker.removeRouter(r.id)
	r.log.Debug().Msg("router closed")
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// addProducer reports whether p was newly placed on r.
func (r *Router) addProducer(p *Producer) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.producers[p.id]; ok {
		r.mu.Unlock()
		return false
	}
	r.producers[p.id] = p
	r.mu.Unlock()
	p.addRouter(r)
	return true
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
