package peer

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 64

// Transport is an owned engine transport plus the intent it was created with.
type Transport struct {
	core.Transport
	Producing bool
	Consuming bool
}

// Info is the public view of a peer sent to other participants.
type Info struct {
	ID                  domain.PeerID `json:"id"`
	DisplayName         string        `json:"displayName"`
	Picture             string        `json:"picture,omitempty"`
	Roles               []domain.Role `json:"roles"`
	RaisedHand          bool          `json:"raisedHand"`
	RaisedHandTimestamp int64         `json:"raisedHandTimestamp,omitempty"`
}

// Peer is one participant of a room. It survives channel reconnects and
// exclusively owns its transports, producers and consumers.
type Peer struct {
	id     domain.PeerID
	roomID domain.RoomID

	mu              sync.RWMutex
	channel         core.SignalChannel
	closed          bool
	subject         string
	joinedAt        time.Time
	authenticatedAt time.Time
	profile         domain.Profile
	routerID        string
	workerID        string
	rtpCapabilities json.RawMessage
	raisedHand      bool
	raisedHandAt    time.Time
	roles           domain.Role

	transports map[string]*Transport
	producers  map[string]core.Producer
	consumers  map[string]core.Consumer

	emitMu       sync.Mutex
	events       chan Event
	eventsClosed bool
}

// New creates a peer holding the baseline role plus roles.
func New(id domain.PeerID, roomID domain.RoomID, roles domain.Role) *Peer {
	return &Peer{
		id:         id,
		roomID:     roomID,
		roles:      roles | domain.RoleBaseline,
		profile:    domain.Profile{DisplayName: "guest"},
		transports: make(map[string]*Transport),
		producers:  make(map[string]core.Producer),
		consumers:  make(map[string]core.Consumer),
		events:     make(chan Event, eventBuffer),
	}
}

func (p *Peer) ID() domain.PeerID     { return p.id }
func (p *Peer) RoomID() domain.RoomID { return p.roomID }

// Events yields property changes and is closed when the peer closes.
func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) Channel() core.SignalChannel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channel
}

// BindChannel makes ch the current channel and returns the one it replaced.
// A closed peer keeps no channel and reports ok=false.
func (p *Peer) BindChannel(ch core.SignalChannel) (old core.SignalChannel, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	old = p.channel
	p.channel = ch
	return old, true
}

// UnbindChannel drops ch if it is still the current channel.
func (p *Peer) UnbindChannel(ch core.SignalChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != ch {
		return false
	}
	p.channel = nil
	return true
}

func (p *Peer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Peer) Joined() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.joinedAt.IsZero()
}

func (p *Peer) JoinedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joinedAt
}

// MarkJoined records the join time once. It reports false if the peer had
// already joined or is closed.
func (p *Peer) MarkJoined(at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.joinedAt.IsZero() {
		return false
	}
	p.joinedAt = at
	return true
}

func (p *Peer) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.authenticatedAt.IsZero()
}

func (p *Peer) AuthenticatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authenticatedAt
}

// Subject is the authenticated identity the peer was created for. Only the
// same subject may reconnect as this peer.
func (p *Peer) Subject() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subject
}

func (p *Peer) SetSubject(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subject = subject
}

// Authenticate stores the verified profile. Empty fields keep their value.
func (p *Peer) Authenticate(profile domain.Profile, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authenticatedAt = at
	if profile.DisplayName != "" {
		p.profile.DisplayName = profile.DisplayName
	}
	if profile.Picture != "" {
		p.profile.Picture = profile.Picture
	}
	if profile.Email != "" {
		p.profile.Email = profile.Email
	}
}

// UpdateProfile overwrites non-empty fields without emitting change events.
// Used before the peer has joined and nobody else can see it yet.
func (p *Peer) UpdateProfile(profile domain.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if profile.DisplayName != "" {
		p.profile.DisplayName = profile.DisplayName
	}
	if profile.Picture != "" {
		p.profile.Picture = profile.Picture
	}
}

func (p *Peer) Profile() domain.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile.DisplayName
}

func (p *Peer) Email() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile.Email
}

func (p *Peer) SetDisplayName(name string) bool {
	p.mu.Lock()
	old := p.profile.DisplayName
	if p.closed || old == name {
		p.mu.Unlock()
		return false
	}
	p.profile.DisplayName = name
	p.mu.Unlock()

	p.emit(Event{Type: EventDisplayNameChanged, OldValue: old, NewValue: name})
	return true
}

func (p *Peer) SetPicture(picture string) bool {
	p.mu.Lock()
	old := p.profile.Picture
	if p.closed || old == picture {
		p.mu.Unlock()
		return false
	}
	p.profile.Picture = picture
	p.mu.Unlock()

	p.emit(Event{Type: EventPictureChanged, OldValue: old, NewValue: picture})
	return true
}

func (p *Peer) RouterID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routerID
}

func (p *Peer) WorkerID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workerID
}

func (p *Peer) AssignRouter(routerID, workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routerID = routerID
	p.workerID = workerID
}

func (p *Peer) RtpCapabilities() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rtpCapabilities
}

func (p *Peer) SetRtpCapabilities(caps json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtpCapabilities = caps
}

func (p *Peer) RaisedHand() (bool, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raisedHand, p.raisedHandAt
}

func (p *Peer) SetRaisedHand(raised bool, at time.Time) bool {
	p.mu.Lock()
	if p.closed || p.raisedHand == raised {
		p.mu.Unlock()
		return false
	}
	p.raisedHand = raised
	if raised {
		p.raisedHandAt = at
	} else {
		p.raisedHandAt = time.Time{}
	}
	ts := p.raisedHandAt
	p.mu.Unlock()

	p.emit(Event{Type: EventRaisedHandChanged, RaisedHand: raised, RaisedHandAt: ts})
	return true
}

func (p *Peer) Roles() domain.Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roles
}

func (p *Peer) HasRole(role domain.Role) bool {
	return p.Roles().Has(role)
}

// AddRole grants role. Granting a held role is a no-op.
func (p *Peer) AddRole(role domain.Role) (bool, error) {
	if !role.IsValid() {
		return false, domain.ErrInvalidRole
	}
	if !role.Mutable() {
		return false, domain.ErrImmutableRole
	}
	p.mu.Lock()
	if p.closed || p.roles&role == role {
		p.mu.Unlock()
		return false, nil
	}
	p.roles |= role
	p.mu.Unlock()

	p.emit(Event{Type: EventRoleAdded, Role: role})
	return true, nil
}

// RemoveRole revokes role. Revoking a missing role is a no-op.
func (p *Peer) RemoveRole(role domain.Role) (bool, error) {
	if !role.IsValid() {
		return false, domain.ErrInvalidRole
	}
	if !role.Mutable() {
		return false, domain.ErrImmutableRole
	}
	p.mu.Lock()
	if p.closed || p.roles&role == 0 {
		p.mu.Unlock()
		return false, nil
	}
	p.roles &^= role
	p.mu.Unlock()

	p.emit(Event{Type: EventRoleRemoved, Role: role})
	return true, nil
}

// AddTransport registers t. It reports false if the peer is already closed.
func (p *Peer) AddTransport(t core.Transport, producing, consuming bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.transports[t.ID()] = &Transport{Transport: t, Producing: producing, Consuming: consuming}
	return true
}

func (p *Peer) Transport(id string) (*Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) RemoveTransport(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, id)
}

// ConsumingTransport returns the first open transport created for inbound media.
func (p *Peer) ConsumingTransport() (core.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if t.Consuming && !t.Closed() {
			return t.Transport, true
		}
	}
	return nil, false
}

func (p *Peer) AddProducer(pr core.Producer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.producers[pr.ID()] = pr
	return true
}

func (p *Peer) Producer(id string) (core.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.producers[id]
	return pr, ok
}

// RemoveProducer reports whether id was still owned by p.
func (p *Peer) RemoveProducer(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.producers[id]; !ok {
		return false
	}
	delete(p.producers, id)
	return true
}

func (p *Peer) Producers() []core.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Collect(maps.Values(p.producers))
}

func (p *Peer) AddConsumer(c core.Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.ID()] = c
	return true
}

func (p *Peer) Consumer(id string) (core.Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *Peer) Consumers() []core.Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Collect(maps.Values(p.consumers))
}

func (p *Peer) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := Info{
		ID:          p.id,
		DisplayName: p.profile.DisplayName,
		Picture:     p.profile.Picture,
		Roles:       p.roles.List(),
		RaisedHand:  p.raisedHand,
	}
	if p.raisedHand {
		info.RaisedHandTimestamp = p.raisedHandAt.UnixMilli()
	}
	return info
}

// Close releases every owned media object and the channel, then closes
// the Events channel. Safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ch := p.channel
	p.channel = nil
	consumers := slices.Collect(maps.Values(p.consumers))
	producers := slices.Collect(maps.Values(p.producers))
	transports := slices.Collect(maps.Values(p.transports))
	clear(p.consumers)
	clear(p.producers)
	clear(p.transports)
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, pr := range producers {
		pr.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	if ch != nil {
		ch.Close()
	}

	p.emitMu.Lock()
	p.eventsClosed = true
	close(p.events)
	p.emitMu.Unlock()

	log.Debug().Str("module", "peer").Str("peer_id", string(p.id)).Str("room_id", string(p.roomID)).Msg("peer closed")
}

func (p *Peer) emit(ev Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.eventsClosed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Warn().Str("module", "peer").Str("peer_id", string(p.id)).Str("event", ev.Type.String()).Msg("event queue full, dropping")
	}
}
