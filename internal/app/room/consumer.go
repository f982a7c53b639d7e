package room

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type newConsumer struct {
	PeerID         domain.PeerID   `json:"peerId"`
	ProducerID     string          `json:"producerId"`
	ID             string          `json:"id"`
	Kind           core.MediaKind  `json:"kind"`
	RtpParameters  json.RawMessage `json:"rtpParameters"`
	Type           string          `json:"type"`
	AppData        map[string]any  `json:"appData"`
	ProducerPaused bool            `json:"producerPaused"`
}

type consumerNotice struct {
	ConsumerID string `json:"consumerId"`
}

type consumerLayers struct {
	ConsumerID string `json:"consumerId"`
	Layers     any    `json:"layers"`
}

type consumerScore struct {
	ConsumerID string `json:"consumerId"`
	Score      any    `json:"score"`
}

// consumeAsync runs the consumer handshake off the caller's goroutine,
// bound to the room's lifetime.
func (r *Room) consumeAsync(consumerPeer, producerPeer *peer.Peer, pr core.Producer) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Interface("panic", rec).
					Str("peer_id", string(consumerPeer.ID())).
					Str("producer_id", pr.ID()).
					Msg("consumer creation panicked")
			}
		}()
		r.createConsumer(r.ctx, consumerPeer, producerPeer, pr)
	}()
}

// createConsumer lets consumerPeer receive pr. Video consumers start paused
// and are resumed only once the peer acknowledged newConsumer.
func (r *Room) createConsumer(ctx context.Context, consumerPeer, producerPeer *peer.Peer, pr core.Producer) {
	caps := consumerPeer.RtpCapabilities()
	if len(caps) == 0 {
		return
	}
	rt, ok := r.sched.router(consumerPeer.RouterID())
	if !ok || !rt.CanConsume(pr.ID(), caps) {
		return
	}
	l := r.log.With().
		Str("peer_id", string(consumerPeer.ID())).
		Str("producer_id", pr.ID()).
		Logger()

	t, ok := consumerPeer.ConsumingTransport()
	if !ok {
		l.Warn().Msg("no consuming transport, cannot create consumer")
		return
	}
	paused := pr.Kind() == core.KindVideo
	c, err := t.Consume(ctx, core.ConsumeOptions{
		ProducerID:      pr.ID(),
		RtpCapabilities: caps,
		Paused:          paused,
		AppData:         map[string]any{"peerId": string(producerPeer.ID())},
	})
	if err != nil {
		l.Warn().Err(err).Msg("consume failed")
		return
	}
	if !consumerPeer.AddConsumer(c) {
		c.Close()
		return
	}
	c.OnEvent(func(ev core.MediaEvent) { r.onConsumerEvent(consumerPeer, c, ev) })
	if c.Closed() {
		consumerPeer.RemoveConsumer(c.ID())
		return
	}

	_, err = r.requester.Request(ctx, consumerPeer.Channel(), "newConsumer", newConsumer{
		PeerID:         producerPeer.ID(),
		ProducerID:     pr.ID(),
		ID:             c.ID(),
		Kind:           c.Kind(),
		RtpParameters:  c.RtpParameters(),
		Type:           c.Type(),
		AppData:        pr.AppData(),
		ProducerPaused: c.ProducerPaused(),
	})
	if err != nil {
		l.Warn().Err(err).Str("consumer_id", c.ID()).Msg("newConsumer request failed")
		return
	}
	if paused && !c.Closed() {
		if err := c.Resume(ctx); err != nil {
			l.Warn().Err(err).Str("consumer_id", c.ID()).Msg("resume consumer failed")
		}
	}
}

func (r *Room) onConsumerEvent(p *peer.Peer, c core.Consumer, ev core.MediaEvent) {
	switch ev.Type {
	case core.EventTransportClose, core.EventProducerClose:
		p.RemoveConsumer(c.ID())
		r.notify(p, "consumerClosed", consumerNotice{ConsumerID: c.ID()})
	case core.EventProducerPause:
		r.notify(p, "consumerPaused", consumerNotice{ConsumerID: c.ID()})
	case core.EventProducerResume:
		r.notify(p, "consumerResumed", consumerNotice{ConsumerID: c.ID()})
	case core.EventLayersChange:
		r.notify(p, "consumerLayersChanged", consumerLayers{ConsumerID: c.ID(), Layers: ev.Data})
	case core.EventScore:
		r.notify(p, "consumerScore", consumerScore{ConsumerID: c.ID(), Score: ev.Data})
	}
}
