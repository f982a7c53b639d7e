package app

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/app/room"
	"github.com/dkeye/Huddle/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(emptyTimeout time.Duration) *RoomManager {
	return NewRoomManager(room.Options{EmptyTimeout: emptyTimeout}, room.Deps{Workers: coretest.NewEngine(1)})
}

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	m := newTestManager(time.Minute)
	t.Cleanup(m.CloseAll)

	var wg sync.WaitGroup
	got := make([]*room.Room, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = m.GetOrCreate("standup")
		}()
	}
	wg.Wait()
	for _, r := range got {
		assert.Same(t, got[0], r)
	}
	assert.Equal(t, 1, m.Len())
}

func TestCreateAssignsOwnerAndFreshID(t *testing.T) {
	m := newTestManager(time.Minute)
	t.Cleanup(m.CloseAll)

	a := m.Create("alice")
	b := m.Create("bob")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "alice", a.Owner())

	got, ok := m.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, m.List(), 2)
}

func TestClosedRoomLeavesManager(t *testing.T) {
	m := newTestManager(30 * time.Millisecond)
	r := m.GetOrCreate("short-lived")

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Closed())

	fresh := m.GetOrCreate("short-lived")
	assert.NotSame(t, r, fresh)
	m.CloseAll()
	assert.True(t, fresh.Closed())
	assert.Equal(t, 0, m.Len())
}
