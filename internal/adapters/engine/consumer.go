package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// scoreReport is the payload of a consumer score event, 0 (unusable) to 10.
type scoreReport struct {
	Score int `json:"score"`
}

// lossScore maps an RTCP fraction lost (n/256) onto the 0..10 score scale.
func lossScore(fractionLost uint8) int {
	return 10 - (int(fractionLost)*10+255)/256
}

// consumerParams tells the client which remote track on its PeerConnection
// belongs to the consumer.
type consumerParams struct {
	TrackID  string            `json:"trackId"`
	StreamID string            `json:"streamId"`
	Codecs   []codecCapability `json:"codecs"`
}

// Consumer is a local static track on the consuming transport fed by the
// producer's relay.
type Consumer struct {
	emitter
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	ssrc      uint32
	out       *outTrack
	params    json.RawMessage

	mu       sync.Mutex
	paused   bool
	closed   bool
	score    int
	priority int
	spatial  int
	temporal int
}

var _ core.Consumer = (*Consumer)(nil)

func newConsumer(t *Transport, p *Producer, paused bool) (*Consumer, error) {
	id := uuid.NewString()
	capability := p.codec()
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, p.id)
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	params, _ := json.Marshal(consumerParams{
		TrackID:  id,
		StreamID: p.id,
		Codecs: []codecCapability{{
			Kind:        string(p.kind),
			MimeType:    capability.MimeType,
			ClockRate:   capability.ClockRate,
			Channels:    capability.Channels,
			SDPFmtpLine: capability.SDPFmtpLine,
		}},
	})
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		out:       newOutTrack(track),
		params:    params,
		paused:    paused,
		score:     10,
	}
	if enc := sender.GetParameters().Encodings; len(enc) > 0 {
		c.ssrc = uint32(enc[0].SSRC)
	}
	if paused {
		c.out.markMuted()
	}
	return c, nil
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producer.id }
func (c *Consumer) Kind() core.MediaKind           { return c.producer.kind }
func (c *Consumer) Type() string                   { return "simple" }
func (c *Consumer) RtpParameters() json.RawMessage { return c.params }
func (c *Consumer) ProducerPaused() bool           { return c.producer.Paused() }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.out.markMuted()
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.out.markOk()
	c.mu.Unlock()
	return c.producer.requestKeyFrame()
}

// SetPriority is recorded only; every consumer gets the full stream.
func (c *Consumer) SetPriority(ctx context.Context, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = priority
	return nil
}

// SetPreferredLayers is recorded only; producers are single-layer.
func (c *Consumer) SetPreferredLayers(ctx context.Context, spatial, temporal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spatial, c.temporal = spatial, temporal
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	return c.producer.requestKeyFrame()
}

// readRTCP handles feedback from the receiving client until the sender
// stops.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		c.handleRTCP(pkts)
	}
}

// handleRTCP forwards key frame requests to the producer and turns receiver
// reports about this consumer's stream into score events.
func (c *Consumer) handleRTCP(pkts []rtcp.Packet) {
	for _, pkt := range pkts {
		switch pkt := pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if err := c.producer.requestKeyFrame(); err != nil {
				c.transport.log.Debug().Err(err).Str("consumer_id", c.id).Msg("forward key frame request")
			}
		case *rtcp.ReceiverReport:
			for _, rep := range pkt.Reports {
				if rep.SSRC == c.ssrc {
					c.setScore(lossScore(rep.FractionLost))
				}
			}
		}
	}
}

func (c *Consumer) setScore(score int) {
	c.mu.Lock()
	if c.closed || c.score == score {
		c.mu.Unlock()
		return
	}
	c.score = score
	c.mu.Unlock()
	c.emit(core.MediaEvent{Type: core.EventScore, Data: scoreReport{Score: score}})
}

// terminate reports whether this call closed c.
func (c *Consumer) terminate() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.out.markDelete()
	c.producer.removeConsumer(c.id)
	c.transport.detachConsumer(c)
	return true
}

func (c *Consumer) Close() { c.terminate() }

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
