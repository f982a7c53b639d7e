// Package stats ships room lifecycle events to an analytics store in
// batches.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultBatchSize     = 100

	queueSize    = 1024
	writeTimeout = 10 * time.Second
)

// Row is one stored event.
type Row struct {
	At         time.Time `ch:"at"`
	Node       string    `ch:"node"`
	Kind       string    `ch:"kind"`
	RoomID     string    `ch:"room_id"`
	PeerID     string    `ch:"peer_id"`
	ProducerID string    `ch:"producer_id"`
	MediaKind  string    `ch:"media_kind"`
}

type Writer interface {
	Write(ctx context.Context, rows []Row) error
}

// Sink is a core.RoomObserver that buffers events and writes them when the
// batch is full or the flush interval passes.
type Sink struct {
	w         Writer
	node      string
	interval  time.Duration
	batchSize int
	log       zerolog.Logger

	rows chan Row
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewSink(w Writer, node string, interval time.Duration, batchSize int) *Sink {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s := &Sink{
		w:         w,
		node:      node,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("module", "stats").Logger(),
		rows:      make(chan Row, queueSize),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) OnRoomEvent(ev core.RoomEvent) {
	row := Row{
		At:         ev.At,
		Node:       s.node,
		Kind:       string(ev.Kind),
		RoomID:     ev.RoomID,
		PeerID:     ev.PeerID,
		ProducerID: ev.ProducerID,
		MediaKind:  string(ev.MediaKind),
	}
	select {
	case s.rows <- row:
	default:
		s.log.Warn().Str("kind", row.Kind).Msg("stats queue full, dropping event")
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Row, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.w.Write(ctx, batch); err != nil {
			s.log.Warn().Err(err).Int("rows", len(batch)).Msg("stats flush failed, dropping batch")
		}
		batch = make([]Row, 0, s.batchSize)
	}

	for {
		select {
		case row := <-s.rows:
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case row := <-s.rows:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close writes whatever is buffered and stops the sink.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
