package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const rembInterval = time.Second

// Producer is an incoming track fanned out to consumers through a relay. It
// exists before its track arrives; consumers created early start receiving
// once the track is attached.
type Producer struct {
	emitter
	id        string
	kind      core.MediaKind
	appData   map[string]any
	transport *Transport
	relay     *relay
	paused    atomic.Bool
	log       zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	track      *webrtc.TrackRemote
	capability webrtc.RTPCodecCapability
	closed     bool
	routers    []*Router
	consumers  map[string]*Consumer
}

var _ core.Producer = (*Producer)(nil)

func newProducer(t *Transport, kind core.MediaKind, capability webrtc.RTPCodecCapability, appData map[string]any) *Producer {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(t.ctx)
	return &Producer{
		id:         id,
		kind:       kind,
		appData:    appData,
		transport:  t,
		relay:      newRelay(),
		log:        t.log.With().Str("producer_id", id).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		capability: capability,
		consumers:  make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string              { return p.id }
func (p *Producer) Kind() core.MediaKind    { return p.kind }
func (p *Producer) Type() string            { return "simple" }
func (p *Producer) AppData() map[string]any { return p.appData }
func (p *Producer) Paused() bool            { return p.paused.Load() }

func (p *Producer) codec() webrtc.RTPCodecCapability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capability
}

func (p *Producer) attach(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed || p.track != nil {
		p.mu.Unlock()
		return
	}
	p.track = track
	p.capability = track.Codec().RTPCodecCapability
	p.mu.Unlock()

	p.log.Info().Str("kind", string(p.kind)).Str("mime_type", track.Codec().MimeType).Msg("producer track attached")
	go p.relay.loop(p.ctx, track, p.paused.Load, &p.log)
	if p.kind == core.KindVideo {
		go p.announceBitrate(uint32(track.SSRC()))
		_ = p.requestKeyFrame()
	}
}

// announceBitrate periodically tells the sender the transport's incoming
// bitrate cap.
func (p *Producer) announceBitrate(ssrc uint32) {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		bitrate := p.transport.maxIncomingBitrate()
		if bitrate <= 0 {
			continue
		}
		err := p.transport.writeRTCP(&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bitrate),
			SSRCs:   []uint32{ssrc},
		})
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

func (p *Producer) requestKeyFrame() error {
	p.mu.Lock()
	track := p.track
	p.mu.Unlock()
	if track == nil || p.kind != core.KindVideo {
		return nil
	}
	return p.transport.writeRTCP(&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())})
}

func (p *Producer) Pause(ctx context.Context) error {
	if p.paused.Swap(true) {
		return nil
	}
	p.notifyConsumers(core.EventProducerPause)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if !p.paused.Swap(false) {
		return nil
	}
	p.notifyConsumers(core.EventProducerResume)
	return p.requestKeyFrame()
}

func (p *Producer) notifyConsumers(ev core.MediaEventType) {
	for _, c := range p.snapshotConsumers() {
		c.emit(core.MediaEvent{Type: ev})
	}
}

func (p *Producer) snapshotConsumers() []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

// addConsumer reports false once p is closed.
func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	p.relay.add(c.id, c.out)
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
	p.relay.remove(id)
}

func (p *Producer) addRouter(r *Router) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routers = append(p.routers, r)
}

// Close stops the relay, closes every consumer with producerclose and then
// emits close on the producer itself.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	routers := p.routers
	p.routers = nil
	p.mu.Unlock()

	p.cancel()
	p.relay.markAllDelete()
	for _, r := range routers {
		r.removeProducer(p.id)
	}
	p.transport.removeProducer(p.id)
	for _, c := range p.snapshotConsumers() {
		if c.terminate() {
			c.emit(core.MediaEvent{Type: core.EventProducerClose})
		}
	}
	p.emit(core.MediaEvent{Type: core.EventClose})
	p.log.Debug().Msg("producer closed")
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
