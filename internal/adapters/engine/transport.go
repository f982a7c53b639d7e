package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// connectParams is what a client sends through connectWebRtcTransport: an
// SDP offer, or a trickled ICE candidate.
type connectParams struct {
	Description *webrtc.SessionDescription `json:"description"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate"`
}

type connectReply struct {
	Description *webrtc.SessionDescription `json:"description"`
}

type transportParams struct {
	ID              string          `json:"id"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type iceCredentials struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

type incoming struct {
	mid   string
	track *webrtc.TrackRemote
}

// Transport is one PeerConnection. The client is always the offerer; every
// renegotiation goes through Connect.
type Transport struct {
	emitter
	id     string
	router *Router
	pc     *webrtc.PeerConnection
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	negotiate sync.Mutex

	mu         sync.Mutex
	closed     bool
	maxBitrate int
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	pending    map[string]*Producer
	unclaimed  []incoming
}

var _ core.Transport = (*Transport)(nil)

func newTransport(r *Router) (*Transport, error) {
	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:        id,
		router:    r,
		pc:        pc,
		log:       r.log.With().Str("transport_id", id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		pending:   make(map[string]*Producer),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug().Str("peer_connection_state", s.String()).Msg("peer state")
		t.emit(core.MediaEvent{Type: core.EventDtlsStateChange, Data: s.String()})
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			go t.Close()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		mid := t.midOf(receiver)
		t.log.Debug().
			Str("kind", track.Kind().String()).
			Str("mid", mid).
			Str("track_id", track.ID()).
			Msg("track received")
		t.claimTrack(mid, track)
	})
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() json.RawMessage {
	b, _ := json.Marshal(transportParams{ID: t.id, RtpCapabilities: routerCapabilities})
	return b
}

// Connect applies a client offer and returns the answer once ICE gathering
// completes, or adds a trickled candidate.
func (t *Transport) Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if t.Closed() {
		return nil, core.ErrTransportClosed
	}
	var req connectParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, core.BadRequest("invalid transport parameters")
	}
	if req.Candidate != nil {
		if err := t.pc.AddICECandidate(*req.Candidate); err != nil {
			return nil, core.BadRequest("invalid ICE candidate: %v", err)
		}
		return nil, nil
	}
	if req.Description == nil || req.Description.Type != webrtc.SDPTypeOffer {
		return nil, core.BadRequest("description must be an SDP offer")
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()
	if err := t.pc.SetRemoteDescription(*req.Description); err != nil {
		return nil, core.BadRequest("set remote description: %v", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(connectReply{Description: t.pc.LocalDescription()})
}

// RestartIce returns the current local ICE credentials. The client completes
// the restart with an ICE-restart offer through Connect.
func (t *Transport) RestartIce(ctx context.Context) (json.RawMessage, error) {
	desc := t.pc.LocalDescription()
	if desc == nil {
		return nil, core.BadRequest("transport is not connected")
	}
	var creds iceCredentials
	for _, line := range strings.Split(desc.SDP, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "a=ice-ufrag:"); ok && creds.UsernameFragment == "" {
			creds.UsernameFragment = v
		}
		if v, ok := strings.CutPrefix(line, "a=ice-pwd:"); ok && creds.Password == "" {
			creds.Password = v
		}
	}
	return json.Marshal(creds)
}

// SetMaxIncomingBitrate caps what producers on t may send. Producers announce
// it to the client with REMB.
func (t *Transport) SetMaxIncomingBitrate(bitrate int) error {
	if bitrate < 0 {
		return errors.New("bitrate must not be negative")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxBitrate = bitrate
	return nil
}

func (t *Transport) maxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBitrate
}

// produceParams identifies which incoming track a producer binds to. Without
// a mid, the first track of the producer's kind is used.
type produceParams struct {
	Mid    string            `json:"mid"`
	Codecs []codecCapability `json:"codecs"`
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if opts.Kind != core.KindAudio && opts.Kind != core.KindVideo {
		return nil, core.BadRequest("invalid kind %q", opts.Kind)
	}
	var params produceParams
	if len(opts.RtpParameters) > 0 {
		if err := json.Unmarshal(opts.RtpParameters, &params); err != nil {
			return nil, core.BadRequest("invalid rtpParameters")
		}
	}
	mime := ""
	if len(params.Codecs) > 0 {
		mime = params.Codecs[0].MimeType
	}
	capability, ok := codecFor(opts.Kind, mime)
	if !ok {
		return nil, core.BadRequest("no codec for kind %q", opts.Kind)
	}
	p := newProducer(t, opts.Kind, capability, opts.AppData)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	t.producers[p.id] = p
	var track *webrtc.TrackRemote
	for i, in := range t.unclaimed {
		if (params.Mid != "" && in.mid == params.Mid) ||
			(params.Mid == "" && in.track.Kind().String() == string(opts.Kind)) {
			track = in.track
			t.unclaimed = append(t.unclaimed[:i], t.unclaimed[i+1:]...)
			break
		}
	}
	if track == nil {
		t.pending[pendingKey(params.Mid, string(opts.Kind))] = p
	}
	t.mu.Unlock()

	t.router.addProducer(p)
	if track != nil {
		p.attach(track)
	}
	return p, nil
}

func pendingKey(mid, kind string) string {
	if mid != "" {
		return mid
	}
	return "kind:" + kind
}

func (t *Transport) claimTrack(mid string, track *webrtc.TrackRemote) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	key := mid
	p, ok := t.pending[key]
	if !ok {
		key = pendingKey("", track.Kind().String())
		p, ok = t.pending[key]
	}
	if !ok {
		t.unclaimed = append(t.unclaimed, incoming{mid: mid, track: track})
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	t.mu.Unlock()
	p.attach(track)
}

func (t *Transport) midOf(receiver *webrtc.RTPReceiver) string {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr.Mid()
		}
	}
	return ""
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if t.Closed() {
		return nil, core.ErrTransportClosed
	}
	p, ok := t.router.producer(opts.ProducerID)
	if !ok || p.Closed() {
		return nil, core.ErrProducerNotFound
	}
	c, err := newConsumer(t, p, opts.Paused)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.terminate()
		return nil, core.ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		c.terminate()
		return nil, core.ErrProducerNotFound
	}
	go c.readRTCP()
	return c, nil
}

// Close closes the PeerConnection together with every producer and consumer
// on it.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	t.pending = map[string]*Producer{}
	t.unclaimed = nil
	t.mu.Unlock()

	t.cancel()
	if err := t.pc.Close(); err != nil {
		t.log.Warn().Err(err).Msg("close peer connection")
	}
	for _, c := range consumers {
		if c.terminate() {
			c.emit(core.MediaEvent{Type: core.EventTransportClose})
		}
	}
	for _, p := range producers {
		p.Close()
	}
	t.router.removeTransport(t.id)
	t.emit(core.MediaEvent{Type: core.EventClose})
	t.log.Debug().Msg("transport closed")
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) writeRTCP(pkts ...rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
	for k, p := range t.pending {
		if p.id == id {
			delete(t.pending, k)
		}
	}
}

// detachConsumer drops c and its sender from the PeerConnection.
func (t *Transport) detachConsumer(c *Consumer) {
	t.mu.Lock()
	delete(t.consumers, c.id)
	closed := t.closed
	t.mu.Unlock()
	if closed || c.sender == nil {
		return
	}
	if err := t.pc.RemoveTrack(c.sender); err != nil {
		t.log.Debug().Err(err).Str("consumer_id", c.id).Msg("remove consumer track")
	}
}
