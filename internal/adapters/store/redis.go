package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	keyRooms        = "huddle:rooms"
	roomClosedTopic = "huddle:room.closed"

	eventBuffer  = 256
	applyTimeout = 2 * time.Second
)

func roomKey(id string) string  { return "huddle:room:" + id }
func peersKey(id string) string { return "huddle:room:" + id + ":peers" }

type roomClosedMessage struct {
	RoomID string `json:"roomId"`
	Node   string `json:"node"`
}

// RedisDirectory mirrors room lifecycle into redis. Events are applied by
// one background writer so OnRoomEvent never blocks a room.
type RedisDirectory struct {
	client *redis.Client
	node   string
	ttl    time.Duration
	log    zerolog.Logger

	events chan core.RoomEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*redis.PubSub
}

var _ Directory = (*RedisDirectory)(nil)

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func NewRedisDirectory(client *redis.Client, node string, ttl time.Duration) *RedisDirectory {
	d := &RedisDirectory{
		client: client,
		node:   node,
		ttl:    ttl,
		log:    log.With().Str("module", "store.redis").Str("node", node).Logger(),
		events: make(chan core.RoomEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *RedisDirectory) OnRoomEvent(ev core.RoomEvent) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn().Str("kind", string(ev.Kind)).Str("room_id", ev.RoomID).Msg("directory queue full, dropping event")
	}
}

func (d *RedisDirectory) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			d.applyLogged(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.events:
					d.applyLogged(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *RedisDirectory) applyLogged(ev core.RoomEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := d.apply(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("room_id", ev.RoomID).Msg("directory update failed")
	}
}

func (d *RedisDirectory) apply(ctx context.Context, ev core.RoomEvent) error {
	id := ev.RoomID
	switch ev.Kind {
	case core.RoomOpened:
		_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, roomKey(id), "node", d.node, "openedAt", ev.At.UnixMilli())
			pipe.Expire(ctx, roomKey(id), d.ttl)
			pipe.SAdd(ctx, keyRooms, id)
			return nil
		})
		return err
	case core.RoomClosed:
		_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, roomKey(id), peersKey(id))
			pipe.SRem(ctx, keyRooms, id)
			return nil
		})
		if err != nil {
			return err
		}
		msg, err := json.Marshal(roomClosedMessage{RoomID: id, Node: d.node})
		if err != nil {
			return err
		}
		return d.client.Publish(ctx, roomClosedTopic, msg).Err()
	case core.PeerJoined:
		_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, peersKey(id), ev.PeerID)
			pipe.Expire(ctx, peersKey(id), d.ttl)
			pipe.Expire(ctx, roomKey(id), d.ttl)
			return nil
		})
		return err
	case core.PeerLeft:
		return d.client.SRem(ctx, peersKey(id), ev.PeerID).Err()
	}
	return nil
}

func (d *RedisDirectory) Rooms(ctx context.Context) ([]RoomRecord, error) {
	ids, err := d.client.SMembers(ctx, keyRooms).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]RoomRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := d.Room(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// expired without a close event, e.g. its node died
			d.client.SRem(ctx, keyRooms, id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (d *RedisDirectory) Room(ctx context.Context, id string) (RoomRecord, bool, error) {
	fields, err := d.client.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return RoomRecord{}, false, fmt.Errorf("get room %s: %w", id, err)
	}
	if len(fields) == 0 {
		return RoomRecord{}, false, nil
	}
	peers, err := d.client.SMembers(ctx, peersKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return RoomRecord{}, false, fmt.Errorf("get peers of %s: %w", id, err)
	}
	sort.Strings(peers)
	rec := RoomRecord{ID: id, Node: fields["node"], Peers: peers}
	if ms, err := strconv.ParseInt(fields["openedAt"], 10, 64); err == nil {
		rec.OpenedAt = time.UnixMilli(ms)
	}
	return rec, true, nil
}

// OnRemoteClose calls fn for every room closed by another node.
func (d *RedisDirectory) OnRemoteClose(ctx context.Context, fn func(roomID string)) {
	sub := d.client.Subscribe(ctx, roomClosedTopic)
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			var m roomClosedMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				d.log.Debug().Err(err).Msg("bad room.closed message")
				continue
			}
			if m.Node == d.node {
				continue
			}
			fn(m.RoomID)
		}
	}()
}

// Close flushes queued events and stops subscriptions. The client stays
// open; it belongs to the caller.
func (d *RedisDirectory) Close() error {
	close(d.done)
	d.wg.Wait()
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
