package signaling

import (
	"errors"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/rs/zerolog/log"
)

type deliveryTracker interface {
	Delivered(ch core.SignalChannel)
}

// Notifier delivers fire-and-forget notifications.
type Notifier struct {
	Policy Policy
}

func NewNotifier(policy Policy) *Notifier {
	return &Notifier{Policy: policy}
}

// Notify sends one notification to ch.
func (n *Notifier) Notify(ch core.SignalChannel, method string, data any) {
	if ch == nil {
		return
	}
	err := ch.Notify(method, data)
	if err == nil {
		if d, ok := n.Policy.(deliveryTracker); ok {
			d.Delivered(ch)
		}
		return
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "signaling").Str("channel", ch.ID()).Str("method", method).Msg("notify failed")
		return
	}
	action := DropMessage
	if n.Policy != nil {
		action = n.Policy.OnBackPressure(ch, method)
	}
	switch action {
	case Disconnect:
		log.Warn().Str("module", "signaling").Str("channel", ch.ID()).Str("method", method).Msg("slow channel, disconnecting")
		ch.Close()
	case DropMessage:
		log.Debug().Str("module", "signaling").Str("channel", ch.ID()).Str("method", method).Msg("backpressure, notification dropped")
	case NoAction:
	}
}

// Dispatch sends to from only, or when broadcast is set to every channel in
// others plus from if includeSender is set.
func (n *Notifier) Dispatch(from core.SignalChannel, others []core.SignalChannel, method string, data any, broadcast, includeSender bool) {
	if !broadcast {
		n.Notify(from, method, data)
		return
	}
	for _, ch := range others {
		if ch == nil || ch == from {
			continue
		}
		n.Notify(ch, method, data)
	}
	if includeSender {
		n.Notify(from, method, data)
	}
}

type counter struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *counter) inc(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]int)
	}
	c.m[key]++
	return c.m[key]
}

func (c *counter) reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}
