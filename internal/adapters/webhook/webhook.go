// Package webhook posts room lifecycle events to an external endpoint.
package webhook

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	jsonContentType = "application/json"
	queueSize       = 256
)

type Options struct {
	URL     string
	Retries int
	Timeout time.Duration
	// Secret, when set, is sent as a bearer token.
	Secret  string
}

// Notifier delivers events one at a time from a background queue so a slow
// endpoint never holds up a room.
type Notifier struct {
	url    string
	client *resty.Client
	log    zerolog.Logger

	events chan core.RoomEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(opts Options) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := resty.New().
		SetTransport(&http.Transport{
			MaxIdleConns:    10,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 30 * time.Second,
		}).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", jsonContentType)
	if opts.Secret != "" {
		client.SetAuthToken(opts.Secret)
	}

	n := &Notifier{
		url:    opts.URL,
		client: client,
		log:    log.With().Str("module", "webhook").Str("url", opts.URL).Logger(),
		events: make(chan core.RoomEvent, queueSize),
		done:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) OnRoomEvent(ev core.RoomEvent) {
	select {
	case n.events <- ev:
	default:
		n.log.Warn().Str("kind", string(ev.Kind)).Msg("webhook queue full, dropping event")
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.events:
			n.deliverLogged(ev)
		case <-n.done:
			for {
				select {
				case ev := <-n.events:
					n.deliverLogged(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliverLogged(ev core.RoomEvent) {
	if err := n.deliver(ev); err != nil {
		n.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("room_id", ev.RoomID).Msg("webhook delivery failed")
	}
}

func (n *Notifier) deliver(ev core.RoomEvent) error {
	res, err := n.client.R().SetBody(ev).Post(n.url)
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("webhook returned %s", res.Status())
	}
	return nil
}

// Close delivers what is queued and stops.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}
