package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/app/signaling"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/coretest"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roomID = domain.RoomID("room-1")

var caps = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []core.RoomEvent
}

func (r *recorder) OnRoomEvent(ev core.RoomEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []core.RoomEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RoomEventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind core.RoomEventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	t      *testing.T
	engine *coretest.Engine
	room   *Room
	events *recorder
}

func newFixture(t *testing.T, workers int, opts Options) *fixture {
	t.Helper()
	if opts.EmptyTimeout == 0 {
		opts.EmptyTimeout = time.Minute
	}
	f := &fixture{t: t, engine: coretest.NewEngine(workers), events: &recorder{}}
	f.room = New(roomID, opts, Deps{
		Workers:   f.engine,
		Requester: signaling.NewRequester(50*time.Millisecond, 2),
		Notifier:  signaling.NewNotifier(nil),
		Observer:  f.events,
	})
	t.Cleanup(f.room.Close)
	return f
}

// enter admits an authenticated peer without sending the join request.
func (f *fixture) enter(id string, roles domain.Role) (*peer.Peer, *coretest.Channel) {
	f.t.Helper()
	p := peer.New(domain.PeerID(id), roomID, roles)
	p.Authenticate(domain.Profile{DisplayName: id}, time.Now())
	ch := coretest.NewChannel(id)
	require.NoError(f.t, f.room.Join(context.Background(), p, ch))
	return p, ch
}

// joined admits a peer and completes the join request.
func (f *fixture) joined(id string, roles domain.Role, withCaps bool) (*peer.Peer, *coretest.Channel) {
	f.t.Helper()
	p, ch := f.enter(id, roles)
	data := map[string]any{"displayName": id}
	if withCaps {
		data["rtpCapabilities"] = caps
	}
	_, err := ch.Call(context.Background(), "join", data)
	require.NoError(f.t, err)
	return p, ch
}

func (f *fixture) transport(p *peer.Peer, ch *coretest.Channel, producing, consuming bool) *coretest.Transport {
	f.t.Helper()
	res, err := ch.Call(context.Background(), "createWebRtcTransport", map[string]any{
		"producing": producing,
		"consuming": consuming,
	})
	require.NoError(f.t, err)
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(f.t, json.Unmarshal(res.(json.RawMessage), &params))
	tr, ok := p.Transport(params.ID)
	require.True(f.t, ok)
	return tr.Transport.(*coretest.Transport)
}

func (f *fixture) produce(ch *coretest.Channel, tr *coretest.Transport, kind, source string) string {
	f.t.Helper()
	res, err := ch.Call(context.Background(), "produce", produceData(tr, kind, source))
	require.NoError(f.t, err)
	return res.(produceResponse).ID
}

func produceData(tr *coretest.Transport, kind, source string) map[string]any {
	return map[string]any{
		"transportId":   tr.ID(),
		"kind":          kind,
		"rtpParameters": map[string]any{},
		"appData":       map[string]any{"source": source},
	}
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	re, ok := core.AsRequestError(err)
	require.True(t, ok, "expected request error, got %v", err)
	assert.Equal(t, code, re.Code)
}

func totalLoad(r *Room) int {
	n := 0
	for _, id := range r.Routers() {
		n += r.RouterLoad(id)
	}
	return n
}

func TestJoinReusesRouterWithinCapacity(t *testing.T) {
	f := newFixture(t, 2, Options{RouterScaleSize: 5})

	p1, ch1 := f.enter("p1", 0)
	require.Len(t, f.room.Routers(), 1)
	routerA := f.room.Routers()[0]
	assert.Equal(t, routerA, p1.RouterID())
	assert.Equal(t, 1, ch1.Count("roomReady"))

	p2, _ := f.enter("p2", 0)
	assert.Equal(t, routerA, p2.RouterID())
	assert.Len(t, f.room.Routers(), 1)
	assert.Equal(t, 2, f.room.RouterLoad(routerA))
	assert.Equal(t, 1, f.engine.Allocations())
}

func TestJoinScalesToNewRouterAndPipesProducers(t *testing.T) {
	f := newFixture(t, 2, Options{RouterScaleSize: 1})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	tr := f.transport(p1, ch1, true, false)
	producerID := f.produce(ch1, tr, "audio", "mic")
	assert.Empty(t, f.engine.Pipes())

	p2, _ := f.enter("p2", 0)
	routers := f.room.Routers()
	require.Len(t, routers, 2)
	assert.Equal(t, routers[0], p1.RouterID())
	assert.Equal(t, routers[1], p2.RouterID())
	assert.NotEqual(t, p1.WorkerID(), p2.WorkerID())
	assert.Equal(t, []coretest.Pipe{{ProducerID: producerID, From: routers[0], To: routers[1]}}, f.engine.Pipes())

	// Both routers are full and both workers host one; the next join reuses
	// a router and pipes nothing more.
	f.enter("p3", 0)
	assert.Len(t, f.room.Routers(), 2)
	assert.Len(t, f.engine.Pipes(), 1)
	assert.Equal(t, 3, totalLoad(f.room))
}

func TestSchedulerNeverCreatesTwoRoutersPerWorker(t *testing.T) {
	f := newFixture(t, 1, Options{RouterScaleSize: 1})

	f.enter("p1", 0)
	f.enter("p2", 0)
	f.enter("p3", 0)
	assert.Len(t, f.room.Routers(), 1)
	assert.Len(t, f.engine.Routers(), 1)
	assert.Equal(t, 3, f.room.RouterLoad(f.room.Routers()[0]))
}

func TestConcurrentJoinsKeepLoadConsistent(t *testing.T) {
	f := newFixture(t, 3, Options{RouterScaleSize: 2})

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := peer.New(domain.PeerID(fmt.Sprintf("p%d", i)), roomID, 0)
			assert.NoError(t, f.room.Join(context.Background(), p, coretest.NewChannel(string(p.ID()))))
		}()
	}
	wg.Wait()

	assert.Equal(t, 12, f.room.PeerCount())
	assert.Equal(t, 12, totalLoad(f.room))
	workers := map[string]bool{}
	for _, r := range f.engine.Routers() {
		assert.False(t, workers[r.WorkerID()], "two routers on worker %s", r.WorkerID())
		workers[r.WorkerID()] = true
	}
	assert.Len(t, f.room.Routers(), 3)
}

func TestJoinFailsWhenWorkerAllocationFails(t *testing.T) {
	f := newFixture(t, 1, Options{EmptyTimeout: 50 * time.Millisecond})
	f.engine.AllocErr = errors.New("no capacity")

	p := peer.New("p1", roomID, 0)
	ch := coretest.NewChannel("p1")
	err := f.room.Join(context.Background(), p, ch)
	require.Error(t, err)
	assert.Equal(t, 0, f.room.PeerCount())
	assert.Nil(t, p.Channel())

	assert.Eventually(t, f.room.Closed, time.Second, 10*time.Millisecond)
}

func TestJoinRejectsForeignPeer(t *testing.T) {
	f := newFixture(t, 1, Options{})
	p := peer.New("p1", "other-room", 0)
	assert.ErrorIs(t, f.room.Join(context.Background(), p, coretest.NewChannel("p1")), ErrRoomMismatch)
}

func TestProducePipesToOtherRouters(t *testing.T) {
	f := newFixture(t, 2, Options{RouterScaleSize: 1})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	f.joined("p2", 0, true)
	require.Len(t, f.room.Routers(), 2)

	tr := f.transport(p1, ch1, true, false)
	producerID := f.produce(ch1, tr, "video", "webcam")

	routers := f.room.Routers()
	assert.Equal(t, []coretest.Pipe{{ProducerID: producerID, From: routers[0], To: routers[1]}}, f.engine.Pipes())
}

func TestPipeFailureDoesNotAbortJoin(t *testing.T) {
	f := newFixture(t, 2, Options{RouterScaleSize: 1})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	tr := f.transport(p1, ch1, true, false)
	bad := f.produce(ch1, tr, "audio", "mic")
	good := f.produce(ch1, tr, "video", "webcam")
	f.engine.Routers()[0].PipeErr = map[string]error{bad: errors.New("pipe broken")}

	_, ch2 := f.enter("p2", 0)
	assert.Equal(t, 1, ch2.Count("roomReady"))
	pipes := f.engine.Pipes()
	require.Len(t, pipes, 1)
	assert.Equal(t, good, pipes[0].ProducerID)
}

func TestConsumerResumedOnlyAfterAck(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	recv := f.transport(p2, ch2, false, true)

	ack := make(chan struct{})
	ch2.RequestFunc = func(ctx context.Context, method string, data any) (json.RawMessage, error) {
		select {
		case <-ack:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.room.requester = signaling.NewRequester(time.Second, 1)

	send := f.transport(p1, ch1, true, false)
	producerID := f.produce(ch1, send, "video", "webcam")

	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 1 }, time.Second, 5*time.Millisecond)
	consumers := recv.Consumers()
	require.Len(t, consumers, 1)
	c := consumers[0]
	assert.Equal(t, producerID, c.ProducerID())
	assert.True(t, c.Paused())
	assert.Equal(t, 0, c.Resumes())
	_, owned := p2.Consumer(c.ID())
	assert.True(t, owned)

	req := ch2.Requests()[0].Data.(newConsumer)
	assert.Equal(t, domain.PeerID("p1"), req.PeerID)
	assert.Equal(t, c.ID(), req.ID)
	assert.Equal(t, core.KindVideo, req.Kind)

	close(ack)
	assert.Eventually(t, func() bool { return c.Resumes() == 1 && !c.Paused() }, time.Second, 5*time.Millisecond)
}

func TestAudioConsumerStartsActive(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	recv := f.transport(p2, ch2, false, true)

	f.produce(ch1, f.transport(p1, ch1, true, false), "audio", "mic")

	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, recv.Consumers(), 1)
	c := recv.Consumers()[0]
	assert.False(t, c.Paused())
	assert.Never(t, func() bool { return c.Resumes() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestConsumerLeftPausedWhenRequestFails(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	recv := f.transport(p2, ch2, false, true)
	ch2.RequestFunc = coretest.NeverAck

	f.produce(ch1, f.transport(p1, ch1, true, false), "video", "webcam")

	// Two attempts of 50ms each.
	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	require.Len(t, recv.Consumers(), 1)
	c := recv.Consumers()[0]
	assert.True(t, c.Paused())
	assert.Equal(t, 0, c.Resumes())
	assert.Equal(t, 2, ch2.RequestCount("newConsumer"))
}

func TestNoConsumerWithoutRtpCapabilities(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, false)
	recv := f.transport(p2, ch2, false, true)

	f.produce(ch1, f.transport(p1, ch1, true, false), "video", "webcam")

	assert.Never(t, func() bool {
		return len(recv.Consumers()) > 0 || ch2.RequestCount("newConsumer") > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, p2.Consumers())
}

func TestJoinConsumesExistingProducers(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	producerID := f.produce(ch1, f.transport(p1, ch1, true, false), "audio", "mic")

	p2, ch2 := f.enter("p2", 0)
	recv := f.transport(p2, ch2, false, true)
	res, err := ch2.Call(context.Background(), "join", map[string]any{"displayName": "Bob", "rtpCapabilities": caps})
	require.NoError(t, err)

	jr := res.(joinResponse)
	require.Len(t, jr.Peers, 1)
	assert.Equal(t, domain.PeerID("p1"), jr.Peers[0].ID)
	assert.Equal(t, roomID, jr.RoomID)

	require.Eventually(t, func() bool { return len(recv.Consumers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, producerID, recv.Consumers()[0].ProducerID())

	msg, ok := ch1.Last("newPeer")
	require.True(t, ok)
	assert.Equal(t, "Bob", msg.Data.(peer.Info).DisplayName)
}

func TestConsumerClosedNotifications(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	f.transport(p2, ch2, false, true)
	producerID := f.produce(ch1, f.transport(p1, ch1, true, false), "audio", "mic")
	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 1 }, time.Second, 5*time.Millisecond)

	_, err := ch1.Call(context.Background(), "pauseProducer", map[string]any{"producerId": producerID})
	require.NoError(t, err)
	assert.Equal(t, 1, ch2.Count("consumerPaused"))

	_, err = ch1.Call(context.Background(), "resumeProducer", map[string]any{"producerId": producerID})
	require.NoError(t, err)
	assert.Equal(t, 1, ch2.Count("consumerResumed"))

	_, err = ch1.Call(context.Background(), "closeProducer", map[string]any{"producerId": producerID})
	require.NoError(t, err)
	assert.Equal(t, 1, ch2.Count("consumerClosed"))
	assert.Empty(t, p2.Consumers())
	assert.Empty(t, p1.Producers())
	assert.Equal(t, 1, f.events.count(core.ProducerClosed))
}

func TestSendTransportCloseDropsProducers(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	f.transport(p2, ch2, false, true)
	send := f.transport(p1, ch1, true, false)
	f.produce(ch1, send, "audio", "mic")
	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 1 }, time.Second, 5*time.Millisecond)

	send.Close()
	assert.Empty(t, p1.Producers())
	assert.Empty(t, p2.Consumers())
	assert.Equal(t, 1, ch2.Count("consumerClosed"))
	assert.Equal(t, 1, f.events.count(core.ProducerClosed))

	p3, ch3 := f.joined("p3", 0, true)
	f.transport(p3, ch3, false, true)
	assert.Never(t, func() bool { return ch3.RequestCount("newConsumer") > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	_, err := ch1.Call(context.Background(), "closeProducer", map[string]any{"producerId": "missing"})
	requireCode(t, err, 404)
	assert.Equal(t, 1, f.events.count(core.ProducerClosed))
}

func TestTransportCloseRemovesConsumers(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	recv := f.transport(p2, ch2, false, true)
	f.produce(ch1, f.transport(p1, ch1, true, false), "audio", "mic")
	require.Eventually(t, func() bool { return ch2.RequestCount("newConsumer") == 1 }, time.Second, 5*time.Millisecond)

	recv.Close()
	assert.Empty(t, p2.Consumers())
	assert.Equal(t, 1, ch2.Count("consumerClosed"))
	_, ok := p2.Transport(recv.ID())
	assert.False(t, ok)
}

func TestProduceAuthorization(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p1, ch1 := f.joined("p1", 0, true)
	tr := f.transport(p1, ch1, true, false)

	_, err := ch1.Call(context.Background(), "produce", produceData(tr, "audio", "mic"))
	requireCode(t, err, 403)

	p2, ch2 := f.joined("p2", domain.RolePublisher, true)
	tr2 := f.transport(p2, ch2, true, false)
	_, err = ch2.Call(context.Background(), "produce", produceData(tr2, "audio", "tv"))
	requireCode(t, err, 400)

	_, err = ch2.Call(context.Background(), "produce", produceData(tr2, "data", "mic"))
	requireCode(t, err, 400)

	// Another peer's transport is never reachable.
	_, err = ch2.Call(context.Background(), "produce", produceData(tr, "audio", "mic"))
	requireCode(t, err, 404)

	for _, source := range []string{"mic", "webcam", "screen"} {
		_, err = ch2.Call(context.Background(), "produce", produceData(tr2, "video", source))
		assert.NoError(t, err, source)
	}
	assert.Len(t, p2.Producers(), 3)
}

func TestJoinRequestRules(t *testing.T) {
	f := newFixture(t, 1, Options{})

	p := peer.New("anon", roomID, 0)
	ch := coretest.NewChannel("anon")
	require.NoError(t, f.room.Join(context.Background(), p, ch))
	_, err := ch.Call(context.Background(), "join", map[string]any{"displayName": "anon"})
	requireCode(t, err, 401)

	_, ch1 := f.joined("p1", 0, true)
	_, err = ch1.Call(context.Background(), "join", map[string]any{"displayName": "again"})
	requireCode(t, err, 409)

	_, ch2 := f.enter("p2", 0)
	_, err = ch2.Call(context.Background(), "join", map[string]any{"displayName": "   "})
	requireCode(t, err, 400)

	_, err = ch2.Call(context.Background(), "chatMessage", map[string]any{"text": "hi"})
	requireCode(t, err, 403)
}

func TestDispatchBoundary(t *testing.T) {
	f := newFixture(t, 1, Options{})
	p, ch := f.enter("p1", 0)

	_, err := ch.Call(context.Background(), "noSuchMethod", nil)
	requireCode(t, err, 400)

	f.room.methods["boom"] = func(context.Context, *peer.Peer, json.RawMessage) (any, error) {
		panic("boom")
	}
	_, err = ch.Call(context.Background(), "boom", nil)
	requireCode(t, err, 500)

	f.room.methods["fail"] = func(context.Context, *peer.Peer, json.RawMessage) (any, error) {
		return nil, errors.New("engine exploded")
	}
	_, err = f.room.Dispatch(context.Background(), p, "fail", nil)
	requireCode(t, err, 500)
	re, _ := core.AsRequestError(err)
	assert.NotContains(t, re.Message, "exploded")

	_, err = ch.Call(context.Background(), "getRouterRtpCapabilities", nil)
	assert.NoError(t, err)
	assert.False(t, f.room.Closed())
}

func TestNonModeratorCannotKick(t *testing.T) {
	f := newFixture(t, 1, Options{})
	_, ch1 := f.joined("p1", 0, true)
	_, ch2 := f.joined("p2", 0, true)

	_, err := ch1.Call(context.Background(), "moderator:kickPeer", map[string]any{"peerId": "p2"})
	requireCode(t, err, 403)
	assert.Equal(t, 0, ch2.Count("moderator:kick"))
	assert.False(t, ch2.Closed())
	_, ok := f.room.Peer("p2")
	assert.True(t, ok)
}

func TestModeratorKick(t *testing.T) {
	f := newFixture(t, 1, Options{})
	_, ch1 := f.joined("mod", domain.RoleModerator, true)
	p2, ch2 := f.joined("p2", 0, true)

	_, err := ch1.Call(context.Background(), "moderator:kickPeer", map[string]any{"peerId": "ghost"})
	requireCode(t, err, 404)

	_, err = ch1.Call(context.Background(), "moderator:kickPeer", map[string]any{"peerId": "p2"})
	require.NoError(t, err)
	assert.Equal(t, 1, ch2.Count("moderator:kick"))
	assert.True(t, ch2.Closed())
	assert.True(t, p2.Closed())
	_, ok := f.room.Peer("p2")
	assert.False(t, ok)
	assert.Equal(t, 1, ch1.Count("peerClosed"))
	assert.Contains(t, f.events.kinds(), core.PeerLeft)
}

func TestOperatorKickAndPeerList(t *testing.T) {
	f := newFixture(t, 1, Options{})
	f.joined("p1", 0, true)
	_, ch2 := f.joined("p2", 0, true)
	f.enter("lurker", 0)

	ids := []domain.PeerID{}
	for _, info := range f.room.Peers() {
		ids = append(ids, info.ID)
	}
	assert.ElementsMatch(t, []domain.PeerID{"p1", "p2"}, ids)

	assert.False(t, f.room.Kick("ghost", "api"))
	assert.True(t, f.room.Kick("p2", "api"))
	assert.Equal(t, 1, ch2.Count("moderator:kick"))
	assert.True(t, ch2.Closed())
	assert.Len(t, f.room.Peers(), 1)
}

func TestModeratorRoleManagement(t *testing.T) {
	f := newFixture(t, 1, Options{})
	_, mod := f.joined("mod", domain.RoleModerator, true)
	p2, ch2 := f.joined("p2", domain.RolePublisher, true)
	before := p2.Roles()

	_, err := mod.Call(context.Background(), "moderator:addRole", map[string]any{"peerId": "p2", "role": "owner"})
	requireCode(t, err, 403)
	_, err = mod.Call(context.Background(), "moderator:removeRole", map[string]any{"peerId": "p2", "role": 1})
	requireCode(t, err, 403)
	_, err = mod.Call(context.Background(), "moderator:addRole", map[string]any{"peerId": "p2", "role": 64})
	requireCode(t, err, 400)
	_, err = mod.Call(context.Background(), "moderator:addRole", map[string]any{"peerId": "p2", "role": "admin"})
	requireCode(t, err, 400)
	assert.Equal(t, before, p2.Roles())

	// Already held: success without a change.
	_, err = mod.Call(context.Background(), "moderator:addRole", map[string]any{"peerId": "p2", "role": "publisher"})
	require.NoError(t, err)
	assert.Equal(t, before, p2.Roles())

	_, err = mod.Call(context.Background(), "moderator:addRole", map[string]any{"peerId": "p2", "role": "moderator"})
	require.NoError(t, err)
	assert.True(t, p2.HasRole(domain.RoleModerator))
	assert.Eventually(t, func() bool { return mod.Count("gotRole") == 1 && ch2.Count("gotRole") == 1 }, time.Second, 5*time.Millisecond)

	_, err = ch2.Call(context.Background(), "raisedHand", map[string]any{"raisedHand": true})
	require.NoError(t, err)
	_, err = mod.Call(context.Background(), "moderator:removeRole", map[string]any{"peerId": "p2", "role": "publisher"})
	require.NoError(t, err)
	assert.False(t, p2.HasRole(domain.RolePublisher))
	raised, _ := p2.RaisedHand()
	assert.False(t, raised)
	assert.Eventually(t, func() bool { return mod.Count("lostRole") == 1 }, time.Second, 5*time.Millisecond)
}

func TestModeratorOrders(t *testing.T) {
	f := newFixture(t, 1, Options{})
	_, mod := f.joined("mod", domain.RoleModerator, true)
	p2, ch2 := f.joined("p2", 0, true)
	_, ch3 := f.joined("p3", 0, true)

	_, err := ch2.Call(context.Background(), "raisedHand", map[string]any{"raisedHand": true})
	require.NoError(t, err)

	for _, method := range []string{"moderator:mute", "moderator:stopVideo", "moderator:stopScreenSharing", "moderator:lowerHand"} {
		_, err := mod.Call(context.Background(), method, map[string]any{"peerId": "p2"})
		require.NoError(t, err, method)
		assert.Equal(t, 1, ch2.Count(method), method)
		assert.Equal(t, 0, ch3.Count(method), method)
	}
	raised, _ := p2.RaisedHand()
	assert.False(t, raised)

	_, err = mod.Call(context.Background(), "moderator:muteAll", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ch3.Count("moderator:mute"))
	assert.Equal(t, 2, ch2.Count("moderator:mute"))
	assert.Equal(t, 0, mod.Count("moderator:mute"))

	_, err = ch3.Call(context.Background(), "moderator:muteAll", nil)
	requireCode(t, err, 403)
}

func TestChatHistoryIsBounded(t *testing.T) {
	f := newFixture(t, 1, Options{MaxChatHistory: 2})
	_, ch1 := f.joined("p1", 0, true)
	_, ch2 := f.joined("p2", 0, true)

	for i := range 3 {
		_, err := ch1.Call(context.Background(), "chatMessage", map[string]any{"text": fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, ch1.Count("chatMessage"))
	assert.Equal(t, 3, ch2.Count("chatMessage"))

	_, ch3 := f.enter("p3", 0)
	res, err := ch3.Call(context.Background(), "join", map[string]any{"displayName": "p3"})
	require.NoError(t, err)
	history := res.(joinResponse).ChatHistory
	require.Len(t, history, 2)
	assert.Equal(t, "msg 1", history[0].Text)
	assert.Equal(t, "msg 2", history[1].Text)

	_, err = ch1.Call(context.Background(), "moderator:clearChat", nil)
	requireCode(t, err, 403)
}

func TestProfileChangesBroadcast(t *testing.T) {
	f := newFixture(t, 1, Options{})
	p1, ch1 := f.joined("p1", 0, true)
	_, ch2 := f.joined("p2", 0, true)

	_, err := ch1.Call(context.Background(), "changeDisplayName", map[string]any{"displayName": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", p1.DisplayName())
	assert.Eventually(t, func() bool { return ch2.Count("changeDisplayName") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ch1.Count("changeDisplayName"))

	_, err = ch1.Call(context.Background(), "changeDisplayName", map[string]any{"displayName": ""})
	requireCode(t, err, 400)
}

func TestSelfDestructWhenEmpty(t *testing.T) {
	f := newFixture(t, 1, Options{EmptyTimeout: 50 * time.Millisecond})
	assert.Eventually(t, f.room.Closed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []core.RoomEventKind{core.RoomOpened, core.RoomClosed}, f.events.kinds())

	err := f.room.Join(context.Background(), peer.New("late", roomID, 0), coretest.NewChannel("late"))
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestJoinCancelsSelfDestruct(t *testing.T) {
	f := newFixture(t, 1, Options{EmptyTimeout: 50 * time.Millisecond})
	var closed sync.WaitGroup
	closed.Add(1)
	f.room.OnClose(closed.Done)

	_, ch := f.enter("p1", 0)
	assert.Never(t, f.room.Closed, 150*time.Millisecond, 10*time.Millisecond)

	ch.Close()
	assert.Eventually(t, f.room.Closed, time.Second, 5*time.Millisecond)
	closed.Wait()
}

func TestReconnectIsRoomBack(t *testing.T) {
	f := newFixture(t, 1, Options{ReconnectGrace: time.Minute})
	p1, ch1 := f.joined("p1", 0, true)

	ch2 := coretest.NewChannel("p1-again")
	require.NoError(t, f.room.Join(context.Background(), peer.New("p1", roomID, 0), ch2))

	assert.Equal(t, 1, f.room.PeerCount())
	got, _ := f.room.Peer("p1")
	assert.Same(t, p1, got)
	assert.Same(t, ch2, p1.Channel())
	assert.True(t, ch1.Closed())
	assert.False(t, p1.Closed())
	assert.Equal(t, 1, ch2.Count("roomBack"))
	assert.Equal(t, 0, ch2.Count("roomReady"))
	assert.True(t, p1.Joined())
}

func TestReconnectRequiresSameSubject(t *testing.T) {
	f := newFixture(t, 1, Options{ReconnectGrace: time.Minute})
	owner := peer.New("alice", roomID, domain.RoleModerator)
	owner.SetSubject("alice-sub")
	ch1 := coretest.NewChannel("alice")
	require.NoError(t, f.room.Join(context.Background(), owner, ch1))

	intruder := peer.New("alice", roomID, 0)
	intruder.SetSubject("mallory")
	ch2 := coretest.NewChannel("alice-2")
	_, err := f.room.Admit(context.Background(), intruder, ch2)
	assert.ErrorIs(t, err, ErrPeerTaken)

	got, _ := f.room.Peer("alice")
	assert.Same(t, owner, got)
	assert.Same(t, ch1, owner.Channel())
	assert.False(t, ch1.Closed())
	assert.Equal(t, 0, ch2.Count("roomBack"))

	again := peer.New("alice", roomID, 0)
	again.SetSubject("alice-sub")
	ch3 := coretest.NewChannel("alice-3")
	bound, err := f.room.Admit(context.Background(), again, ch3)
	require.NoError(t, err)
	assert.Same(t, owner, bound)
	assert.True(t, owner.HasRole(domain.RoleModerator))
	assert.True(t, ch1.Closed())
}

func TestReconnectDuringAdmissionGetsRoomReady(t *testing.T) {
	f := newFixture(t, 1, Options{ReconnectGrace: time.Minute})
	f.engine.AllocGate = make(chan struct{})

	p1 := peer.New("p1", roomID, 0)
	ch1 := coretest.NewChannel("p1")
	first := make(chan error, 1)
	go func() { first <- f.room.Join(context.Background(), p1, ch1) }()
	require.Eventually(t, func() bool { _, ok := f.room.Peer("p1"); return ok }, time.Second, 5*time.Millisecond)

	ch2 := coretest.NewChannel("p1-again")
	second := make(chan error, 1)
	go func() { second <- f.room.Join(context.Background(), peer.New("p1", roomID, 0), ch2) }()
	assert.Never(t, func() bool { return len(second) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(f.engine.AllocGate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Same(t, ch2, p1.Channel())
	assert.True(t, ch1.Closed())
	assert.Equal(t, 1, ch2.Count("roomReady"))
	assert.Equal(t, 0, ch2.Count("roomBack"))
	assert.Equal(t, 1, f.room.PeerCount())
}

func TestRoomClosingDuringAdmissionLeavesChannelOpen(t *testing.T) {
	f := newFixture(t, 1, Options{})
	f.engine.AllocGate = make(chan struct{})

	p := peer.New("p1", roomID, 0)
	ch := coretest.NewChannel("p1")
	joined := make(chan error, 1)
	go func() { joined <- f.room.Join(context.Background(), p, ch) }()
	require.Eventually(t, func() bool { _, ok := f.room.Peer("p1"); return ok }, time.Second, 5*time.Millisecond)

	go f.room.Close()
	require.Eventually(t, f.room.Closed, time.Second, 5*time.Millisecond)
	close(f.engine.AllocGate)

	assert.ErrorIs(t, <-joined, ErrRoomClosed)
	assert.False(t, ch.Closed())
	assert.Nil(t, p.Channel())
	assert.True(t, p.Closed())
}

func TestDuplicateJoinDoesNotDoubleRegister(t *testing.T) {
	f := newFixture(t, 1, Options{})
	p1, ch1 := f.joined("p1", 0, true)
	_, ch2 := f.joined("p2", 0, true)

	require.NoError(t, f.room.Join(context.Background(), p1, ch1))
	require.NoError(t, f.room.Join(context.Background(), p1, ch1))
	assert.False(t, ch1.Closed())
	assert.Equal(t, 2, ch1.Count("roomBack"))

	_, err := ch1.Call(context.Background(), "raisedHand", map[string]any{"raisedHand": true})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ch2.Count("raisedHand") == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return ch2.Count("raisedHand") > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestReconnectGrace(t *testing.T) {
	f := newFixture(t, 1, Options{ReconnectGrace: 60 * time.Millisecond})
	p1, ch1 := f.joined("p1", 0, true)
	p2, ch2 := f.joined("p2", 0, true)

	ch1.Close()
	assert.Nil(t, p1.Channel())
	assert.False(t, p1.Closed())
	require.NoError(t, f.room.Join(context.Background(), peer.New("p1", roomID, 0), coretest.NewChannel("p1b")))
	assert.Never(t, p1.Closed, 120*time.Millisecond, 10*time.Millisecond)

	ch2.Close()
	assert.Eventually(t, p2.Closed, time.Second, 5*time.Millisecond)
	_, ok := f.room.Peer("p2")
	assert.False(t, ok)
}

func TestCloseRoomRequiresOwner(t *testing.T) {
	f := newFixture(t, 1, Options{})
	owner, chOwner := f.joined("owner", domain.RoleOwner|domain.RoleModerator, true)
	_, chMod := f.joined("mod", domain.RoleModerator, true)

	_, err := chMod.Call(context.Background(), "moderator:closeRoom", nil)
	requireCode(t, err, 403)
	assert.False(t, f.room.Closed())

	_, err = chOwner.Call(context.Background(), "moderator:closeRoom", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, chMod.Count("moderator:closeRoom"))
	assert.Eventually(t, f.room.Closed, time.Second, 10*time.Millisecond)
	assert.True(t, owner.Closed())
	assert.True(t, chMod.Closed())
	for _, r := range f.engine.Routers() {
		assert.True(t, r.Closed())
	}
}

func TestTransportOptions(t *testing.T) {
	f := newFixture(t, 1, Options{MaxIncomingBitrate: 1_500_000})
	p1, ch1 := f.joined("p1", domain.RolePublisher, true)

	tr := f.transport(p1, ch1, true, false)
	assert.Equal(t, 1_500_000, tr.MaxIncomingBitrate())

	_, err := ch1.Call(context.Background(), "connectWebRtcTransport", map[string]any{"transportId": tr.ID(), "dtlsParameters": map[string]any{"role": "client"}})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Connected())

	res, err := ch1.Call(context.Background(), "restartIce", map[string]any{"transportId": tr.ID()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"usernameFragment":"restarted"}`, string(res.(iceParameters).IceParameters))

	_, err = ch1.Call(context.Background(), "restartIce", map[string]any{"transportId": "nope"})
	requireCode(t, err, 404)

	_, err = ch1.Call(context.Background(), "createPlainTransport", nil)
	require.NoError(t, err)
}

func TestConsumerControls(t *testing.T) {
	f := newFixture(t, 1, Options{})
	p1, ch1 := f.joined("p1", domain.RolePublisher, true)
	p2, ch2 := f.joined("p2", 0, true)
	recv := f.transport(p2, ch2, false, true)
	f.produce(ch1, f.transport(p1, ch1, true, false), "video", "webcam")
	require.Eventually(t, func() bool { return len(recv.Consumers()) == 1 && recv.Consumers()[0].Resumes() == 1 }, time.Second, 5*time.Millisecond)
	c := recv.Consumers()[0]
	id := c.ID()

	_, err := ch2.Call(context.Background(), "pauseConsumer", map[string]any{"consumerId": id})
	require.NoError(t, err)
	assert.True(t, c.Paused())

	_, err = ch2.Call(context.Background(), "setConsumerPriority", map[string]any{"consumerId": id, "priority": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, c.Priority())

	_, err = ch2.Call(context.Background(), "requestConsumerKeyFrame", map[string]any{"consumerId": id})
	require.NoError(t, err)
	assert.Equal(t, 1, c.KeyFrames())

	// Consumers are owned by p2 only.
	_, err = ch1.Call(context.Background(), "resumeConsumer", map[string]any{"consumerId": id})
	requireCode(t, err, 404)
}

func TestRoomCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, 2, Options{RouterScaleSize: 1})
	p1, _ := f.joined("p1", 0, true)
	p2, _ := f.joined("p2", 0, true)

	f.room.Close()
	assert.True(t, p1.Closed())
	assert.True(t, p2.Closed())
	assert.Equal(t, 0, f.room.PeerCount())
	for _, r := range f.engine.Routers() {
		assert.True(t, r.Closed())
	}
	kinds := f.events.kinds()
	assert.Equal(t, core.RoomClosed, kinds[len(kinds)-1])
}
