// Package room runs one conferencing session: it owns the peers and the
// routers they are scheduled on, serves signaling requests and drives the
// consumer handshake between peers.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/app/signaling"
	"github.com/dkeye/Huddle/internal/app/turn"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRouterScaleSize = 40
	DefaultEmptyTimeout    = 10 * time.Second
	DefaultMaxChatHistory  = 100
)

var (
	ErrRoomMismatch = errors.New("peer belongs to another room")
	ErrRoomClosed   = errors.New("room closed")
	ErrPeerTaken    = errors.New("peer id is held by another identity")
)

type Options struct {
	RouterScaleSize int
	EmptyTimeout    time.Duration
	// ReconnectGrace is how long a disconnected peer is kept for a rejoin.
	// Zero closes it as soon as its channel drops.
	ReconnectGrace     time.Duration
	MaxIncomingBitrate int
	ListenIPs          []core.ListenIP
	Turn               *turn.Config
	MaxChatHistory     int
	// Owner is the subject of whoever created the room, empty for rooms
	// opened by a first join.
	Owner string
}

type Deps struct {
	Workers   core.WorkerPool
	Requester *signaling.Requester
	Notifier  *signaling.Notifier
	Observer  core.RoomObserver
}

// Info is the public summary of a room.
type Info struct {
	ID        domain.RoomID `json:"id"`
	Peers     int           `json:"peers"`
	Routers   int           `json:"routers"`
	CreatedAt time.Time     `json:"createdAt"`
}

type timerToken struct {
	t *time.Timer
}

func (t *timerToken) stop() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}

type Room struct {
	id        domain.RoomID
	opts      Options
	createdAt time.Time
	log       zerolog.Logger

	requester *signaling.Requester
	notifier  *signaling.Notifier
	observer  core.RoomObserver
	sched     *scheduler
	methods   map[string]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	peers        map[domain.PeerID]*peer.Peer
	watched      map[*peer.Peer]struct{}
	grace        map[domain.PeerID]*timerToken
	admitting    map[domain.PeerID]chan struct{}
	selfDestruct *timerToken
	chat         []domain.ChatMessage
	closed       bool
	onClose      []func()
}

// New opens an empty room. Its self-destruct countdown starts right away.
func New(id domain.RoomID, opts Options, deps Deps) *Room {
	if opts.RouterScaleSize <= 0 {
		opts.RouterScaleSize = DefaultRouterScaleSize
	}
	if opts.EmptyTimeout <= 0 {
		opts.EmptyTimeout = DefaultEmptyTimeout
	}
	if opts.MaxChatHistory <= 0 {
		opts.MaxChatHistory = DefaultMaxChatHistory
	}
	if deps.Requester == nil {
		deps.Requester = signaling.NewRequester(0, 0)
	}
	if deps.Notifier == nil {
		deps.Notifier = signaling.NewNotifier(nil)
	}
	if deps.Observer == nil {
		deps.Observer = core.NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:        id,
		opts:      opts,
		createdAt: time.Now(),
		log:       log.With().Str("module", "room").Str("room_id", string(id)).Logger(),
		requester: deps.Requester,
		notifier:  deps.Notifier,
		observer:  deps.Observer,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[domain.PeerID]*peer.Peer),
		watched:   make(map[*peer.Peer]struct{}),
		grace:     make(map[domain.PeerID]*timerToken),
		admitting: make(map[domain.PeerID]chan struct{}),
	}
	r.sched = newScheduler(r, deps.Workers, opts.RouterScaleSize)
	r.methods = r.routes()

	r.mu.Lock()
	r.armSelfDestructLocked()
	r.mu.Unlock()

	r.emit(core.RoomOpened, "", nil)
	r.log.Info().Str("owner", opts.Owner).Msg("room opened")
	return r
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Owner() string        { return r.opts.Owner }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// OnClose registers fn to run once the room has closed.
func (r *Room) OnClose(fn func()) {
	r.mu.Lock()
	if !r.closed {
		r.onClose = append(r.onClose, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *Room) Peer(id domain.PeerID) (*peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// RouterLoad is the number of peers assigned to routerID.
func (r *Room) RouterLoad(routerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.peers {
		if p.RouterID() == routerID {
			n++
		}
	}
	return n
}

// Routers returns router ids in creation order.
func (r *Room) Routers() []string {
	return r.sched.ids()
}

// Peers describes the joined peers.
func (r *Room) Peers() []peer.Info {
	joined := r.joinedPeers(nil)
	out := make([]peer.Info, 0, len(joined))
	for _, p := range joined {
		out = append(out, p.Info())
	}
	return out
}

func (r *Room) Info() Info {
	return Info{ID: r.id, Peers: r.PeerCount(), Routers: len(r.sched.ids()), CreatedAt: r.createdAt}
}

type roomReady struct {
	RoomID      domain.RoomID `json:"roomId"`
	TurnServers []turn.Server `json:"turnServers"`
}

// Join binds ch to p and admits it. A peer id already present in the room
// is a reconnect of that peer and only gets its channel rebound, provided
// p carries the same subject.
func (r *Room) Join(ctx context.Context, p *peer.Peer, ch core.SignalChannel) error {
	_, err := r.Admit(ctx, p, ch)
	return err
}

// Admit is Join returning the peer ch ended up bound to: p itself, or the
// peer already in the room on a reconnect. On error ch is left open.
func (r *Room) Admit(ctx context.Context, p *peer.Peer, ch core.SignalChannel) (*peer.Peer, error) {
	if p.RoomID() != r.id {
		return nil, ErrRoomMismatch
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRoomClosed
		}
		existing, ok := r.peers[p.ID()]
		if !ok {
			break
		}
		if existing != p && existing.Subject() != p.Subject() {
			r.mu.Unlock()
			return nil, ErrPeerTaken
		}
		if done, busy := r.admitting[p.ID()]; busy {
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r.stopGraceLocked(p.ID())
		r.mu.Unlock()
		if r.rejoin(existing, ch) {
			return existing, nil
		}
	}
	r.stopSelfDestructLocked()
	r.peers[p.ID()] = p
	done := make(chan struct{})
	r.admitting[p.ID()] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.admitting, p.ID())
		r.mu.Unlock()
		close(done)
	}()

	if _, err := r.sched.assign(ctx, p); err != nil {
		r.drop(p)
		return nil, fmt.Errorf("schedule router: %w", err)
	}
	// Bound only now, so a room closing during scheduling leaves ch open.
	if _, ok := p.BindChannel(ch); !ok {
		return nil, ErrRoomClosed
	}
	r.attach(p, ch)
	r.watch(p)
	r.sendReady(p, ch)
	r.log.Info().Str("peer_id", string(p.ID())).Str("router_id", p.RouterID()).Msg("peer entered")
	return p, nil
}

func (r *Room) sendReady(p *peer.Peer, ch core.SignalChannel) {
	r.notifier.Notify(ch, "roomReady", roomReady{
		RoomID:      r.id,
		TurnServers: turn.Servers(r.opts.Turn, string(p.ID()), time.Now()),
	})
}

// rejoin rebinds p to ch. A peer that has not sent join yet gets roomReady
// again instead of roomBack. It reports false if p closed meanwhile.
func (r *Room) rejoin(p *peer.Peer, ch core.SignalChannel) bool {
	old, ok := p.BindChannel(ch)
	if !ok {
		return false
	}
	if old != nil && old != ch {
		old.Close()
	}
	r.attach(p, ch)
	r.watch(p)
	if p.Joined() {
		r.notifier.Notify(ch, "roomBack", nil)
	} else {
		r.sendReady(p, ch)
	}
	r.log.Info().Str("peer_id", string(p.ID())).Msg("peer back")
	return true
}

// drop removes a peer that never got a router.
func (r *Room) drop(p *peer.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.ID()] == p {
		delete(r.peers, p.ID())
	}
	if len(r.peers) == 0 && !r.closed {
		r.armSelfDestructLocked()
	}
}

func (r *Room) attach(p *peer.Peer, ch core.SignalChannel) {
	ch.OnRequest(func(ctx context.Context, method string, data json.RawMessage) (any, error) {
		return r.Dispatch(ctx, p, method, data)
	})
	ch.OnClose(func() { r.channelClosed(p, ch) })
}

func (r *Room) channelClosed(p *peer.Peer, ch core.SignalChannel) {
	if !p.UnbindChannel(ch) {
		return
	}
	if r.opts.ReconnectGrace <= 0 {
		r.removePeer(p, "disconnected")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.peers[p.ID()] != p {
		return
	}
	r.stopGraceLocked(p.ID())
	tok := &timerToken{}
	r.grace[p.ID()] = tok
	tok.t = time.AfterFunc(r.opts.ReconnectGrace, func() { r.graceExpired(p, tok) })
	r.log.Debug().Str("peer_id", string(p.ID())).Dur("grace", r.opts.ReconnectGrace).Msg("peer disconnected, waiting for reconnect")
}

func (r *Room) graceExpired(p *peer.Peer, tok *timerToken) {
	r.mu.Lock()
	if r.grace[p.ID()] != tok {
		r.mu.Unlock()
		return
	}
	delete(r.grace, p.ID())
	r.mu.Unlock()
	if p.Channel() != nil {
		return
	}
	r.removePeer(p, "reconnect grace expired")
}

func (r *Room) stopGraceLocked(id domain.PeerID) {
	if tok, ok := r.grace[id]; ok {
		tok.stop()
		delete(r.grace, id)
	}
}

type peerClosed struct {
	PeerID domain.PeerID `json:"peerId"`
}

// removePeer closes p and, if it was the last one, arms the self-destruct
// countdown.
func (r *Room) removePeer(p *peer.Peer, reason string) {
	r.mu.Lock()
	if r.peers[p.ID()] != p {
		r.mu.Unlock()
		p.Close()
		return
	}
	delete(r.peers, p.ID())
	r.stopGraceLocked(p.ID())
	if len(r.peers) == 0 && !r.closed {
		r.armSelfDestructLocked()
	}
	r.mu.Unlock()

	joined := p.Joined()
	producers := p.Producers()
	p.Close()

	for _, pr := range producers {
		r.emit(core.ProducerClosed, p.ID(), pr)
	}
	if joined {
		r.broadcast(nil, "peerClosed", peerClosed{PeerID: p.ID()}, false)
		r.emit(core.PeerLeft, p.ID(), nil)
	}
	r.log.Info().Str("peer_id", string(p.ID())).Str("reason", reason).Msg("peer left")
}

func (r *Room) armSelfDestructLocked() {
	r.stopSelfDestructLocked()
	tok := &timerToken{}
	r.selfDestruct = tok
	tok.t = time.AfterFunc(r.opts.EmptyTimeout, func() {
		r.closeIf(func() bool { return r.selfDestruct == tok && len(r.peers) == 0 }, "empty")
	})
}

func (r *Room) stopSelfDestructLocked() {
	r.selfDestruct.stop()
	r.selfDestruct = nil
}

// Close tears the room down: every peer and every router is closed.
func (r *Room) Close() {
	r.closeIf(nil, "closed")
}

// closeIf closes the room if cond, checked under the lock, holds.
func (r *Room) closeIf(cond func() bool, reason string) {
	r.mu.Lock()
	if r.closed || (cond != nil && !cond()) {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopSelfDestructLocked()
	for id := range r.grace {
		r.stopGraceLocked(id)
	}
	peers := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	clear(r.peers)
	callbacks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	r.cancel()
	for _, p := range peers {
		p.Close()
	}
	r.sched.closeAll()

	r.emit(core.RoomClosed, "", nil)
	r.log.Info().Str("reason", reason).Int("peers", len(peers)).Msg("room closed")
	for _, fn := range callbacks {
		fn()
	}
}

// watch starts the event loop for p unless one already runs.
func (r *Room) watch(p *peer.Peer) {
	r.mu.Lock()
	if _, ok := r.watched[p]; ok {
		r.mu.Unlock()
		return
	}
	r.watched[p] = struct{}{}
	r.mu.Unlock()

	go func() {
		for ev := range p.Events() {
			r.onPeerEvent(p, ev)
		}
		r.mu.Lock()
		delete(r.watched, p)
		r.mu.Unlock()
	}()
}

type roleChanged struct {
	PeerID domain.PeerID `json:"peerId"`
	Role   domain.Role   `json:"role"`
}

type displayNameChanged struct {
	PeerID         domain.PeerID `json:"peerId"`
	DisplayName    string        `json:"displayName"`
	OldDisplayName string        `json:"oldDisplayName"`
}

type pictureChanged struct {
	PeerID  domain.PeerID `json:"peerId"`
	Picture string        `json:"picture"`
}

type raisedHandChanged struct {
	PeerID              domain.PeerID `json:"peerId"`
	RaisedHand          bool          `json:"raisedHand"`
	RaisedHandTimestamp int64         `json:"raisedHandTimestamp,omitempty"`
}

func (r *Room) onPeerEvent(p *peer.Peer, ev peer.Event) {
	if !p.Joined() {
		return
	}
	switch ev.Type {
	case peer.EventRoleAdded:
		r.broadcast(p, "gotRole", roleChanged{PeerID: p.ID(), Role: ev.Role}, true)
	case peer.EventRoleRemoved:
		r.broadcast(p, "lostRole", roleChanged{PeerID: p.ID(), Role: ev.Role}, true)
	case peer.EventDisplayNameChanged:
		r.broadcast(p, "changeDisplayName", displayNameChanged{PeerID: p.ID(), DisplayName: ev.NewValue, OldDisplayName: ev.OldValue}, false)
	case peer.EventPictureChanged:
		r.broadcast(p, "changePicture", pictureChanged{PeerID: p.ID(), Picture: ev.NewValue}, false)
	case peer.EventRaisedHandChanged:
		msg := raisedHandChanged{PeerID: p.ID(), RaisedHand: ev.RaisedHand}
		if ev.RaisedHand {
			msg.RaisedHandTimestamp = ev.RaisedHandAt.UnixMilli()
		}
		r.broadcast(p, "raisedHand", msg, false)
	}
}

// joinedPeers returns every joined peer except skip.
func (r *Room) joinedPeers(skip *peer.Peer) []*peer.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p != skip && p.Joined() {
			out = append(out, p)
		}
	}
	return out
}

// broadcast notifies every joined peer other than from, and from itself
// when includeSender is given. A nil from reaches everyone.
func (r *Room) broadcast(from *peer.Peer, method string, data any, includeSender bool) {
	others := r.joinedPeers(from)
	channels := make([]core.SignalChannel, 0, len(others))
	for _, p := range others {
		if ch := p.Channel(); ch != nil {
			channels = append(channels, ch)
		}
	}
	var fromCh core.SignalChannel
	if from != nil {
		fromCh = from.Channel()
	}
	r.notifier.Dispatch(fromCh, channels, method, data, true, includeSender && fromCh != nil)
}

// notify sends one notification to p.
func (r *Room) notify(p *peer.Peer, method string, data any) {
	r.notifier.Notify(p.Channel(), method, data)
}

func (r *Room) emit(kind core.RoomEventKind, peerID domain.PeerID, pr core.Producer) {
	ev := core.RoomEvent{Kind: kind, RoomID: string(r.id), PeerID: string(peerID), At: time.Now()}
	if pr != nil {
		ev.ProducerID = pr.ID()
		ev.MediaKind = pr.Kind()
	}
	r.observer.OnRoomEvent(ev)
}
