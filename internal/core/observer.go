package core

import (
	"time"
)

type RoomEventKind string

const (
	RoomOpened     RoomEventKind = "room.opened"
	RoomClosed     RoomEventKind = "room.closed"
	PeerJoined     RoomEventKind = "peer.joined"
	PeerLeft       RoomEventKind = "peer.left"
	ProducerOpened RoomEventKind = "producer.opened"
	ProducerClosed RoomEventKind = "producer.closed"
)

// RoomEvent is a lifecycle fact emitted by a room. Observers must not block.
type RoomEvent struct {
	Kind       RoomEventKind `json:"kind"`
	RoomID     string        `json:"roomId"`
	PeerID     string        `json:"peerId,omitempty"`
	ProducerID string        `json:"producerId,omitempty"`
	MediaKind  MediaKind     `json:"mediaKind,omitempty"`
	At         time.Time     `json:"at"`
}

type RoomObserver interface {
	OnRoomEvent(ev RoomEvent)
}

// Observers fans one event out to every member.
type Observers []RoomObserver

func (o Observers) OnRoomEvent(ev RoomEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnRoomEvent(ev)
		}
	}
}

// NopObserver drops every event.
type NopObserver struct{}

func (NopObserver) OnRoomEvent(RoomEvent) {}
