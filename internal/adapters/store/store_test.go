package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lifecycle(room string, at time.Time) []core.RoomEvent {
	return []core.RoomEvent{
		{Kind: core.RoomOpened, RoomID: room, At: at},
		{Kind: core.PeerJoined, RoomID: room, PeerID: "alice", At: at},
		{Kind: core.PeerJoined, RoomID: room, PeerID: "bob", At: at},
		{Kind: core.ProducerOpened, RoomID: room, PeerID: "bob", ProducerID: "p1", At: at},
		{Kind: core.PeerLeft, RoomID: room, PeerID: "alice", At: at},
	}
}

func TestLocalDirectory(t *testing.T) {
	d := NewLocalDirectory("node-1")
	ctx := context.Background()
	t0 := time.Unix(100, 0)

	for _, ev := range lifecycle("standup", t0) {
		d.OnRoomEvent(ev)
	}
	d.OnRoomEvent(core.RoomEvent{Kind: core.RoomOpened, RoomID: "later", At: t0.Add(time.Minute)})
	d.OnRoomEvent(core.RoomEvent{Kind: core.PeerJoined, RoomID: "unknown", PeerID: "x"})

	rec, ok, err := d.Room(ctx, "standup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-1", rec.Node)
	assert.Equal(t, []string{"bob"}, rec.Peers)
	assert.Equal(t, t0, rec.OpenedAt)

	rooms, err := d.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "standup", rooms[0].ID)
	assert.Empty(t, rooms[1].Peers)

	d.OnRoomEvent(core.RoomEvent{Kind: core.RoomClosed, RoomID: "standup"})
	_, ok, err = d.Room(ctx, "standup")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, d.Close())
}

// TestRedisDirectory needs a disposable redis, e.g.
// HUDDLE_TEST_REDIS_ADDR=localhost:6379. It uses database 15.
func TestRedisDirectory(t *testing.T) {
	addr := os.Getenv("HUDDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HUDDLE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(addr, "", 15)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.FlushDB(ctx).Err())

	d := NewRedisDirectory(client, "node-1", time.Minute)
	other := NewRedisDirectory(client, "node-2", time.Minute)
	closed := make(chan string, 1)
	other.OnRemoteClose(ctx, func(id string) { closed <- id })
	time.Sleep(50 * time.Millisecond)

	for _, ev := range lifecycle("standup", time.UnixMilli(5000)) {
		d.OnRoomEvent(ev)
	}
	require.Eventually(t, func() bool {
		rec, ok, err := other.Room(ctx, "standup")
		return err == nil && ok && len(rec.Peers) == 1
	}, 2*time.Second, 20*time.Millisecond)

	rooms, err := other.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "node-1", rooms[0].Node)
	assert.Equal(t, []string{"bob"}, rooms[0].Peers)
	assert.Equal(t, time.UnixMilli(5000), rooms[0].OpenedAt)

	d.OnRoomEvent(core.RoomEvent{Kind: core.RoomClosed, RoomID: "standup"})
	select {
	case id := <-closed:
		assert.Equal(t, "standup", id)
	case <-time.After(2 * time.Second):
		t.Fatal("remote close not delivered")
	}
	_, ok, err := other.Room(ctx, "standup")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Close())
	require.NoError(t, other.Close())
}
