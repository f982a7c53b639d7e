package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/zoumo/goset"
)

type localRoom struct {
	record RoomRecord
	peers  goset.Set
}

// LocalDirectory is the in-process Directory.
type LocalDirectory struct {
	node string

	mu    sync.RWMutex
	rooms map[string]*localRoom
}

var _ Directory = (*LocalDirectory)(nil)

func NewLocalDirectory(node string) *LocalDirectory {
	return &LocalDirectory{node: node, rooms: make(map[string]*localRoom)}
}

func (d *LocalDirectory) OnRoomEvent(ev core.RoomEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Kind {
	case core.RoomOpened:
		d.rooms[ev.RoomID] = &localRoom{
			record: RoomRecord{ID: ev.RoomID, Node: d.node, OpenedAt: ev.At},
			peers:  goset.NewSetFrom([]string{}),
		}
	case core.RoomClosed:
		delete(d.rooms, ev.RoomID)
	case core.PeerJoined:
		if r, ok := d.rooms[ev.RoomID]; ok {
			_ = r.peers.Extend([]string{ev.PeerID})
		}
	case core.PeerLeft:
		if r, ok := d.rooms[ev.RoomID]; ok && r.peers.Contains(ev.PeerID) {
			r.peers.Remove(ev.PeerID)
		}
	}
}

func (d *LocalDirectory) Rooms(ctx context.Context) ([]RoomRecord, error) {
	d.mu.RLock()
	out := make([]RoomRecord, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r.snapshot())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (d *LocalDirectory) Room(ctx context.Context, id string) (RoomRecord, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return RoomRecord{}, false, nil
	}
	return r.snapshot(), true, nil
}

func (d *LocalDirectory) Close() error { return nil }

func (r *localRoom) snapshot() RoomRecord {
	rec := r.record
	rec.Peers = make([]string, 0)
	for _, e := range r.peers.Elements() {
		if s, ok := e.(string); ok {
			rec.Peers = append(rec.Peers, s)
		}
	}
	sort.Strings(rec.Peers)
	return rec
}
