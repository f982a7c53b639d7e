// Package store keeps a directory of open rooms and their peers, fed by
// room lifecycle events. The redis flavour shares it between nodes, the
// local one serves single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/core"
)

// RoomRecord is one directory entry.
type RoomRecord struct {
	ID       string    `json:"id"`
	Node     string    `json:"node"`
	OpenedAt time.Time `json:"openedAt"`
	Peers    []string  `json:"peers"`
}

type Directory interface {
	core.RoomObserver
	Rooms(ctx context.Context) ([]RoomRecord, error)
	Room(ctx context.Context, id string) (RoomRecord, bool, error)
	Close() error
}
