package peer

import (
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

type EventType int

const (
	EventRoleAdded EventType = iota + 1
	EventRoleRemoved
	EventDisplayNameChanged
	EventPictureChanged
	EventRaisedHandChanged
)

func (t EventType) String() string {
	switch t {
	case EventRoleAdded:
		return "roleAdded"
	case EventRoleRemoved:
		return "roleRemoved"
	case EventDisplayNameChanged:
		return "displayNameChanged"
	case EventPictureChanged:
		return "pictureChanged"
	case EventRaisedHandChanged:
		return "raisedHandChanged"
	default:
		return "unknown"
	}
}

// Event is a property change produced by a Peer. Closing is not an event:
// the Events channel is closed once the peer closes.
type Event struct {
	Type EventType

	Role     domain.Role
	OldValue string
	NewValue string

	RaisedHand   bool
	RaisedHandAt time.Time
}
