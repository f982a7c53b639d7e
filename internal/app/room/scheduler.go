package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
)

type routerEntry struct {
	router   core.Router
	workerID string
}

// scheduler places peers on the routers of one room. Its mutex is held
// across engine calls so that concurrent joins never overshoot a router's
// capacity and producer piping never misses a router being created.
//
// Lock order: scheduler.mu before Room.mu.
type scheduler struct {
	room      *Room
	workers   core.WorkerPool
	scaleSize int

	mu sync.Mutex

	rmu     sync.RWMutex
	order   []*routerEntry
	routers map[string]*routerEntry
}

func newScheduler(r *Room, workers core.WorkerPool, scaleSize int) *scheduler {
	return &scheduler{
		room:      r,
		workers:   workers,
		scaleSize: scaleSize,
		routers:   make(map[string]*routerEntry),
	}
}

func (s *scheduler) router(id string) (core.Router, bool) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	e, ok := s.routers[id]
	if !ok {
		return nil, false
	}
	return e.router, true
}

func (s *scheduler) ids() []string {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	out := make([]string, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, e.router.ID())
	}
	return out
}

func (s *scheduler) snapshot() []*routerEntry {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	return append([]*routerEntry(nil), s.order...)
}

func (s *scheduler) onWorker(workerID string) (core.Router, bool) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	for _, e := range s.order {
		if e.workerID == workerID {
			return e.router, true
		}
	}
	return nil, false
}

func (s *scheduler) add(rt core.Router) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	e := &routerEntry{router: rt, workerID: rt.WorkerID()}
	s.order = append(s.order, e)
	s.routers[rt.ID()] = e
}

// assign picks a router for p and records it on the peer.
func (s *scheduler) assign(ctx context.Context, p *peer.Peer) (core.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, created, err := s.leastLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if created {
		if s.room.Closed() {
			rt.Close()
			return nil, ErrRoomClosed
		}
		s.add(rt)
		s.pipeExisting(ctx, rt)
	}
	p.AssignRouter(rt.ID(), rt.WorkerID())
	return rt, nil
}

// leastLoaded returns the first router with spare capacity, or a router on
// the least loaded worker of the service, creating it if the room has none
// there yet.
func (s *scheduler) leastLoaded(ctx context.Context) (core.Router, bool, error) {
	loads := s.loads()
	for _, e := range s.snapshot() {
		if e.router.Closed() {
			continue
		}
		if loads[e.router.ID()] < s.scaleSize {
			return e.router, false, nil
		}
	}
	if s.workers == nil {
		return nil, false, core.ErrNoWorkerAvailable
	}
	w, err := s.workers.GetLeastLoadedWorker(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("allocate worker: %w", err)
	}
	if rt, ok := s.onWorker(w.ID()); ok {
		return rt, false, nil
	}
	rt, err := w.CreateRouter(ctx, core.RouterOptions{RoomID: string(s.room.id)})
	if err != nil {
		return nil, false, fmt.Errorf("create router on worker %s: %w", w.ID(), err)
	}
	s.room.log.Info().Str("router_id", rt.ID()).Str("worker_id", w.ID()).Msg("router created")
	return rt, true, nil
}

func (s *scheduler) loads() map[string]int {
	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.peers))
	for _, p := range r.peers {
		if id := p.RouterID(); id != "" {
			out[id]++
		}
	}
	return out
}

// pipeExisting makes every producer already in the room consumable on dst.
func (s *scheduler) pipeExisting(ctx context.Context, dst core.Router) {
	r := s.room
	r.mu.Lock()
	peers := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		src, ok := s.router(p.RouterID())
		if !ok || src.ID() == dst.ID() {
			continue
		}
		for _, pr := range p.Producers() {
			s.pipe(ctx, src, pr.ID(), dst)
		}
	}
}

// pipeProducer makes a new producer consumable on every other router of
// the room.
func (s *scheduler) pipeProducer(ctx context.Context, srcID, producerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.router(srcID)
	if !ok {
		return
	}
	for _, e := range s.snapshot() {
		if e.router.ID() == srcID || e.router.Closed() {
			continue
		}
		s.pipe(ctx, src, producerID, e.router)
	}
}

func (s *scheduler) pipe(ctx context.Context, src core.Router, producerID string, dst core.Router) {
	defer func() {
		if rec := recover(); rec != nil {
			s.room.log.Error().Interface("panic", rec).Str("producer_id", producerID).Msg("pipe panicked")
		}
	}()
	if err := src.PipeToRouter(ctx, producerID, dst); err != nil {
		s.room.log.Warn().Err(err).
			Str("producer_id", producerID).
			Str("from", src.ID()).
			Str("to", dst.ID()).
			Msg("pipe to router failed")
	}
}

func (s *scheduler) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.snapshot() {
		e.router.Close()
	}
}
