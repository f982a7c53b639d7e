package engine

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type trackState int32

const (
	trackOk trackState = iota
	trackMuted
	trackDelete
)

// outTrack is one consumer's end of a relay.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (o *outTrack) get() trackState { return trackState(o.state.Load()) }
func (o *outTrack) markOk()         { o.state.CompareAndSwap(int32(trackMuted), int32(trackOk)) }
func (o *outTrack) markMuted()      { o.state.CompareAndSwap(int32(trackOk), int32(trackMuted)) }
func (o *outTrack) markDelete()     { o.state.Store(int32(trackDelete)) }

// relay copies RTP from a producer's remote track to every consumer track.
type relay struct {
	mu   sync.RWMutex
	outs map[string]*outTrack
}

func newRelay() *relay {
	return &relay{outs: make(map[string]*outTrack)}
}

func (r *relay) add(consumerID string, o *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[consumerID] = o
}

func (r *relay) remove(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outs, consumerID)
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outs {
		o.markDelete()
	}
}

// loop runs until ctx ends or the source track fails. Packets read while
// paused() is true are dropped.
func (r *relay) loop(ctx context.Context, src *webrtc.TrackRemote, paused func() bool, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("relay read stopped")
			}
			r.markAllDelete()
			return
		}
		if paused() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outs)
	r.mu.RUnlock()

	var dirty []string
	for id, o := range snapshot {
		switch o.get() {
		case trackDelete:
			dirty = append(dirty, id)
		case trackMuted:
		case trackOk:
			if err := o.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warn().Err(err).Str("consumer_id", id).Msg("relay write failed, dropping consumer track")
				o.markDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range dirty {
		delete(r.outs, id)
	}
	r.mu.Unlock()
}
