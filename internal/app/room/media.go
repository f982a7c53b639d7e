package room

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// sourceRoles maps a declared producer source to the role it requires.
var sourceRoles = map[string]domain.Role{
	"mic":    domain.RolePublisher,
	"webcam": domain.RolePublisher,
	"screen": domain.RolePublisher,
}

func (r *Room) getRouterRtpCapabilities(ctx context.Context, p *peer.Peer, _ json.RawMessage) (any, error) {
	rt, err := r.routerOf(p)
	if err != nil {
		return nil, err
	}
	return rt.RtpCapabilities(), nil
}

type createWebRtcTransportRequest struct {
	ForceTCP  bool `json:"forceTcp"`
	Producing bool `json:"producing"`
	Consuming bool `json:"consuming"`
}

func (r *Room) createWebRtcTransport(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	req, err := decode[createWebRtcTransportRequest](data)
	if err != nil {
		return nil, err
	}
	rt, err := r.routerOf(p)
	if err != nil {
		return nil, err
	}
	t, err := rt.CreateWebRtcTransport(ctx, core.WebRtcTransportOptions{
		ListenIPs: r.opts.ListenIPs,
		EnableUDP: !req.ForceTCP,
		EnableTCP: true,
		PreferUDP: !req.ForceTCP,
		AppData:   map[string]any{"producing": req.Producing, "consuming": req.Consuming},
	})
	if err != nil {
		return nil, err
	}
	if err := r.adoptTransport(p, t, req.Producing, req.Consuming); err != nil {
		return nil, err
	}
	if r.opts.MaxIncomingBitrate > 0 {
		if err := t.SetMaxIncomingBitrate(r.opts.MaxIncomingBitrate); err != nil {
			r.log.Warn().Err(err).Str("transport_id", t.ID()).Msg("set max incoming bitrate failed")
		}
	}
	return t.Params(), nil
}

type createPlainTransportRequest struct {
	RtcpMux   *bool `json:"rtcpMux"`
	Comedia   *bool `json:"comedia"`
	Producing bool  `json:"producing"`
	Consuming bool  `json:"consuming"`
}

func (r *Room) createPlainTransport(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireRole(p, domain.RolePublisher); err != nil {
		return nil, err
	}
	req, err := decode[createPlainTransportRequest](data)
	if err != nil {
		return nil, err
	}
	rt, err := r.routerOf(p)
	if err != nil {
		return nil, err
	}
	opts := core.PlainTransportOptions{
		ListenIP: core.ListenIP{IP: "127.0.0.1"},
		RtcpMux:  req.RtcpMux == nil || *req.RtcpMux,
		Comedia:  req.Comedia == nil || *req.Comedia,
		AppData:  map[string]any{"producing": req.Producing, "consuming": req.Consuming},
	}
	if len(r.opts.ListenIPs) > 0 {
		opts.ListenIP = r.opts.ListenIPs[0]
	}
	t, err := rt.CreatePlainTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := r.adoptTransport(p, t, req.Producing, req.Consuming); err != nil {
		return nil, err
	}
	return t.Params(), nil
}

// adoptTransport hands a freshly created transport to p, closing it if p
// went away in the meantime.
func (r *Room) adoptTransport(p *peer.Peer, t core.Transport, producing, consuming bool) error {
	if !p.AddTransport(t, producing, consuming) {
		t.Close()
		return alive(p)
	}
	id := t.ID()
	t.OnEvent(func(ev core.MediaEvent) {
		switch ev.Type {
		case core.EventDtlsStateChange:
			if state, _ := ev.Data.(string); state == "failed" || state == "closed" {
				r.log.Warn().Str("peer_id", string(p.ID())).Str("transport_id", id).Str("state", state).Msg("transport dtls state changed")
			}
		case core.EventClose:
			p.RemoveTransport(id)
		}
	})
	return nil
}

type transportRequest struct {
	TransportID string `json:"transportId"`
}

func (r *Room) ownTransport(p *peer.Peer, id string) (*peer.Transport, error) {
	if id == "" {
		return nil, core.BadRequest("transportId required")
	}
	t, ok := p.Transport(id)
	if !ok {
		return nil, core.NotFound("transport with id %q not found", id)
	}
	return t, nil
}

func (r *Room) connectWebRtcTransport(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	req, err := decode[transportRequest](data)
	if err != nil {
		return nil, err
	}
	t, err := r.ownTransport(p, req.TransportID)
	if err != nil {
		return nil, err
	}
	reply, err := t.Connect(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, nil
	}
	return reply, nil
}

type iceParameters struct {
	IceParameters json.RawMessage `json:"iceParameters"`
}

func (r *Room) restartIce(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	req, err := decode[transportRequest](data)
	if err != nil {
		return nil, err
	}
	t, err := r.ownTransport(p, req.TransportID)
	if err != nil {
		return nil, err
	}
	params, err := t.RestartIce(ctx)
	if err != nil {
		return nil, err
	}
	return iceParameters{IceParameters: params}, nil
}

type produceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          core.MediaKind  `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       map[string]any  `json:"appData"`
}

type produceResponse struct {
	ID string `json:"id"`
}

func (r *Room) produce(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	req, err := decode[produceRequest](data)
	if err != nil {
		return nil, err
	}
	source, _ := req.AppData["source"].(string)
	role, ok := sourceRoles[source]
	if !ok {
		return nil, core.BadRequest("invalid producer source %q", source)
	}
	if err := requireRole(p, role); err != nil {
		return nil, err
	}
	if req.Kind != core.KindAudio && req.Kind != core.KindVideo {
		return nil, core.BadRequest("invalid producer kind %q", req.Kind)
	}
	t, err := r.ownTransport(p, req.TransportID)
	if err != nil {
		return nil, err
	}

	appData := maps.Clone(req.AppData)
	appData["peerId"] = string(p.ID())
	pr, err := t.Produce(ctx, core.ProduceOptions{Kind: req.Kind, RtpParameters: req.RtpParameters, AppData: appData})
	if err != nil {
		return nil, err
	}
	if !p.AddProducer(pr) {
		pr.Close()
		return nil, alive(p)
	}
	pr.OnEvent(func(ev core.MediaEvent) { r.onProducerEvent(p, pr, ev) })
	r.emit(core.ProducerOpened, p.ID(), pr)

	r.sched.pipeProducer(ctx, p.RouterID(), pr.ID())
	if pr.Closed() {
		return produceResponse{ID: pr.ID()}, nil
	}
	for _, other := range r.joinedPeers(p) {
		r.consumeAsync(other, p, pr)
	}
	return produceResponse{ID: pr.ID()}, nil
}

type producerScore struct {
	ProducerID string `json:"producerId"`
	Score      any    `json:"score"`
}

func (r *Room) onProducerEvent(p *peer.Peer, pr core.Producer, ev core.MediaEvent) {
	switch ev.Type {
	case core.EventScore:
		r.notify(p, "producerScore", producerScore{ProducerID: pr.ID(), Score: ev.Data})
	case core.EventVideoOrientationChange:
		r.log.Debug().Str("peer_id", string(p.ID())).Str("producer_id", pr.ID()).Interface("orientation", ev.Data).Msg("video orientation changed")
	case core.EventClose:
		if p.RemoveProducer(pr.ID()) {
			r.emit(core.ProducerClosed, p.ID(), pr)
		}
	}
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

func (r *Room) ownProducer(p *peer.Peer, data json.RawMessage) (core.Producer, error) {
	req, err := decode[producerRequest](data)
	if err != nil {
		return nil, err
	}
	if req.ProducerID == "" {
		return nil, core.BadRequest("producerId required")
	}
	pr, ok := p.Producer(req.ProducerID)
	if !ok {
		return nil, core.NotFound("producer with id %q not found", req.ProducerID)
	}
	return pr, nil
}

func (r *Room) closeProducer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	pr, err := r.ownProducer(p, data)
	if err != nil {
		return nil, err
	}
	if p.RemoveProducer(pr.ID()) {
		r.emit(core.ProducerClosed, p.ID(), pr)
	}
	pr.Close()
	return nil, nil
}

func (r *Room) pauseProducer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	pr, err := r.ownProducer(p, data)
	if err != nil {
		return nil, err
	}
	return nil, pr.Pause(ctx)
}

func (r *Room) resumeProducer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	pr, err := r.ownProducer(p, data)
	if err != nil {
		return nil, err
	}
	return nil, pr.Resume(ctx)
}

type consumerRequest struct {
	ConsumerID    string `json:"consumerId"`
	Priority      int    `json:"priority"`
	SpatialLayer  int    `json:"spatialLayer"`
	TemporalLayer int    `json:"temporalLayer"`
}

func (r *Room) ownConsumer(p *peer.Peer, data json.RawMessage) (core.Consumer, consumerRequest, error) {
	req, err := decode[consumerRequest](data)
	if err != nil {
		return nil, req, err
	}
	if req.ConsumerID == "" {
		return nil, req, core.BadRequest("consumerId required")
	}
	c, ok := p.Consumer(req.ConsumerID)
	if !ok {
		return nil, req, core.NotFound("consumer with id %q not found", req.ConsumerID)
	}
	return c, req, nil
}

func (r *Room) pauseConsumer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	c, _, err := r.ownConsumer(p, data)
	if err != nil {
		return nil, err
	}
	return nil, c.Pause(ctx)
}

func (r *Room) resumeConsumer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	c, _, err := r.ownConsumer(p, data)
	if err != nil {
		return nil, err
	}
	return nil, c.Resume(ctx)
}

func (r *Room) setConsumerPriority(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	c, req, err := r.ownConsumer(p, data)
	if err != nil {
		return nil, err
	}
	if req.Priority < 1 || req.Priority > 255 {
		return nil, core.BadRequest("priority must be within 1..255")
	}
	return nil, c.SetPriority(ctx, req.Priority)
}

func (r *Room) setConsumerPreferredLayers(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	c, req, err := r.ownConsumer(p, data)
	if err != nil {
		return nil, err
	}
	if req.SpatialLayer < 0 || req.TemporalLayer < 0 {
		return nil, core.BadRequest("layers must not be negative")
	}
	return nil, c.SetPreferredLayers(ctx, req.SpatialLayer, req.TemporalLayer)
}

func (r *Room) requestConsumerKeyFrame(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	c, _, err := r.ownConsumer(p, data)
	if err != nil {
		return nil, err
	}
	return nil, c.RequestKeyFrame(ctx)
}
