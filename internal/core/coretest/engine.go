package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/core"
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// Pipe records one PipeToRouter call that placed a producer on a new router.
type Pipe struct {
	ProducerID string
	From       string
	To         string
}

// Engine is an in-memory core.WorkerPool.
type Engine struct {
	mu        sync.Mutex
	workers   []*Worker
	routers   []*Router
	pipes     []Pipe
	allocs    int
	AllocErr  error
	// AllocGate, when set before use, holds every worker allocation until
	// it is closed.
	AllocGate chan struct{}
}

var _ core.WorkerPool = (*Engine)(nil)

// NewEngine creates an engine with n workers named w1..wn.
func NewEngine(n int) *Engine {
	e := &Engine{}
	for i := 1; i <= n; i++ {
		e.workers = append(e.workers, &Worker{id: fmt.Sprintf("w%d", i), engine: e})
	}
	return e
}

// GetLeastLoadedWorker picks the worker hosting the fewest routers.
func (e *Engine) GetLeastLoadedWorker(ctx context.Context) (core.Worker, error) {
	if e.AllocGate != nil {
		select {
		case <-e.AllocGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allocs++
	if e.AllocErr != nil {
		return nil, e.AllocErr
	}
	if len(e.workers) == 0 {
		return nil, core.ErrNoWorkerAvailable
	}
	best := e.workers[0]
	for _, w := range e.workers[1:] {
		if w.routers < best.routers {
			best = w
		}
	}
	return best, nil
}

func (e *Engine) Worker(i int) *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[i]
}

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

func (e *Engine) Pipes() []Pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Pipe(nil), e.pipes...)
}

func (e *Engine) Allocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocs
}

type Worker struct {
	id        string
	engine    *Engine
	routers   int
	CreateErr error
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, opts core.RouterOptions) (core.Router, error) {
	e := w.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.CreateErr != nil {
		return nil, w.CreateErr
	}
	w.routers++
	r := &Router{
		id:        nextID("router"),
		worker:    w,
		producers: make(map[string]*Producer),
	}
	e.routers = append(e.routers, r)
	return r, nil
}

type Router struct {
	id     string
	worker *Worker

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool

	// Incompatible makes CanConsume always fail.
	Incompatible bool
	// PipeErr fails PipeToRouter for the listed producer ids.
	PipeErr map[string]error
}

func (r *Router) ID() string       { return r.id }
func (r *Router) WorkerID() string { return r.worker.id }

func (r *Router) RtpCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)
}

func (r *Router) CanConsume(producerID string, caps json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Incompatible || len(caps) == 0 {
		return false
	}
	p, ok := r.producers[producerID]
	return ok && !p.Closed()
}

// HasProducer reports whether producerID is consumable on r.
func (r *Router) HasProducer(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *Router) PipeToRouter(ctx context.Context, producerID string, target core.Router) error {
	r.mu.Lock()
	if err := r.PipeErr[producerID]; err != nil {
		r.mu.Unlock()
		return err
	}
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return core.ErrProducerNotFound
	}
	dst := target.(*Router)
	dst.mu.Lock()
	_, exists := dst.producers[producerID]
	if !exists {
		dst.producers[producerID] = p
	}
	dst.mu.Unlock()
	if !exists {
		e := r.worker.engine
		e.mu.Lock()
		e.pipes = append(e.pipes, Pipe{ProducerID: producerID, From: r.id, To: dst.id})
		e.mu.Unlock()
	}
	return nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.WebRtcTransportOptions) (core.Transport, error) {
	return newTransport(r), nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts core.PlainTransportOptions) (core.Transport, error) {
	return newTransport(r), nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type emitter struct {
	hmu     sync.Mutex
	handler func(core.MediaEvent)
}

func (e *emitter) OnEvent(fn func(core.MediaEvent)) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handler = fn
}

// Emit delivers ev to the registered handler.
func (e *emitter) Emit(ev core.MediaEvent) {
	e.hmu.Lock()
	fn := e.handler
	e.hmu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type Transport struct {
	emitter
	id     string
	router *Router

	mu         sync.Mutex
	closed     bool
	consumers  []*Consumer
	producers  []*Producer
	maxBitrate int
	connected  json.RawMessage

	BitrateErr error
	ProduceErr error
	ConsumeErr error
}

func newTransport(r *Router) *Transport {
	return &Transport{id: nextID("transport"), router: r}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"iceParameters":{},"dtlsParameters":{}}`, t.id))
}

func (t *Transport) Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = params
	return nil, nil
}

func (t *Transport) Connected() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) RestartIce(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"usernameFragment":"restarted"}`), nil
}

func (t *Transport) SetMaxIncomingBitrate(bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.BitrateErr != nil {
		return t.BitrateErr
	}
	t.maxBitrate = bitrate
	return nil
}

func (t *Transport) MaxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBitrate
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	if t.ProduceErr != nil {
		t.mu.Unlock()
		return nil, t.ProduceErr
	}
	p := &Producer{id: nextID("producer"), kind: opts.Kind, appData: opts.AppData, router: t.router}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	if t.ConsumeErr != nil {
		t.mu.Unlock()
		return nil, t.ConsumeErr
	}
	t.mu.Unlock()

	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, core.ErrProducerNotFound
	}
	c := &Consumer{id: nextID("consumer"), producer: p, paused: opts.Paused}
	p.addConsumer(c)

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Close closes the transport and everything created on it, emitting
// transportclose to its consumers.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	consumers := t.consumers
	producers := t.producers
	t.mu.Unlock()

	for _, c := range consumers {
		if !c.Closed() {
			c.markClosed()
			c.Emit(core.MediaEvent{Type: core.EventTransportClose})
		}
	}
	for _, p := range producers {
		p.Close()
	}
	t.Emit(core.MediaEvent{Type: core.EventClose})
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

type Producer struct {
	emitter
	id      string
	kind    core.MediaKind
	appData map[string]any
	router  *Router

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers []*Consumer
}

func (p *Producer) ID() string              { return p.id }
func (p *Producer) Kind() core.MediaKind    { return p.kind }
func (p *Producer) Type() string            { return "simple" }
func (p *Producer) AppData() map[string]any { return p.appData }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *Producer) setPaused(paused bool, ev core.MediaEventType) error {
	p.mu.Lock()
	if p.paused == paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = paused
	consumers := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()
	for _, c := range consumers {
		c.Emit(core.MediaEvent{Type: ev})
	}
	return nil
}

func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(true, core.EventProducerPause)
}

func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(false, core.EventProducerResume)
}

// Close emits producerclose to every open consumer, leaves every router it
// was piped to and then emits close on the producer itself.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()
	for _, c := range consumers {
		if !c.Closed() {
			c.markClosed()
			c.Emit(core.MediaEvent{Type: core.EventProducerClose})
		}
	}
	if p.router != nil {
		for _, r := range p.router.worker.engine.Routers() {
			r.mu.Lock()
			if r.producers[p.id] == p {
				delete(r.producers, p.id)
			}
			r.mu.Unlock()
		}
	}
	p.Emit(core.MediaEvent{Type: core.EventClose})
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	emitter
	id       string
	producer *Producer

	mu       sync.Mutex
	paused   bool
	closed   bool
	priority int
	spatial  int
	temporal int
	resumes  int
	keyFrame int
}

func (c *Consumer) ID() string           { return c.id }
func (c *Consumer) ProducerID() string   { return c.producer.id }
func (c *Consumer) Kind() core.MediaKind { return c.producer.kind }
func (c *Consumer) Type() string         { return "simple" }

func (c *Consumer) RtpParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool { return c.producer.Paused() }

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.resumes++
	return nil
}

// Resumes counts Resume calls.
func (c *Consumer) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

func (c *Consumer) SetPriority(ctx context.Context, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = priority
	return nil
}

func (c *Consumer) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *Consumer) SetPreferredLayers(ctx context.Context, spatial, temporal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spatial, c.temporal = spatial, temporal
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyFrame++
	return nil
}

func (c *Consumer) KeyFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyFrame
}

func (c *Consumer) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Consumer) Close() { c.markClosed() }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
