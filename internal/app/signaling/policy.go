package signaling

import (
	"github.com/dkeye/Huddle/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	Disconnect
)

// Policy decides what to do with a channel that cannot keep up.
type Policy interface {
	OnBackPressure(ch core.SignalChannel, method string) BackpressureAction
}

// SimplePolicy drops notifications until MaxDrops consecutive drops on one
// channel, then disconnects it. Zero MaxDrops never disconnects.
type SimplePolicy struct {
	MaxDrops int

	drops counter
}

func (p *SimplePolicy) OnBackPressure(ch core.SignalChannel, method string) BackpressureAction {
	if p.MaxDrops <= 0 {
		return DropMessage
	}
	if p.drops.inc(ch.ID()) >= p.MaxDrops {
		p.drops.reset(ch.ID())
		return Disconnect
	}
	return DropMessage
}

// Delivered resets the consecutive drop count of a channel.
func (p *SimplePolicy) Delivered(ch core.SignalChannel) {
	if p.MaxDrops > 0 {
		p.drops.reset(ch.ID())
	}
}
