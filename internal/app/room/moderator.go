package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// closeRoomDelay leaves the closing moderator's response time to flush.
const closeRoomDelay = 200 * time.Millisecond

type targetRequest struct {
	PeerID domain.PeerID `json:"peerId"`
}

type roleRequest struct {
	PeerID domain.PeerID `json:"peerId"`
	Role   domain.Role   `json:"role"`
}

type peerNotice struct {
	PeerID domain.PeerID `json:"peerId"`
}

func (r *Room) moderatorTarget(p *peer.Peer, data json.RawMessage) (*peer.Peer, error) {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return nil, err
	}
	req, err := decode[targetRequest](data)
	if err != nil {
		return nil, err
	}
	return r.target(req.PeerID)
}

func (r *Room) clearChat(ctx context.Context, p *peer.Peer, _ json.RawMessage) (any, error) {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.chat = nil
	r.mu.Unlock()
	r.broadcast(p, "moderator:clearChat", nil, false)
	return nil, nil
}

func (r *Room) lowerHand(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	t, err := r.moderatorTarget(p, data)
	if err != nil {
		return nil, err
	}
	t.SetRaisedHand(false, time.Now())
	r.notify(t, "moderator:lowerHand", nil)
	return nil, nil
}

// forwardToPeer relays a moderator order to one peer.
func (r *Room) forwardToPeer(method string) handlerFunc {
	return func(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
		t, err := r.moderatorTarget(p, data)
		if err != nil {
			return nil, err
		}
		r.notify(t, method, nil)
		return nil, nil
	}
}

// forwardToAll relays a moderator order to everybody else.
func (r *Room) forwardToAll(method string) handlerFunc {
	return func(ctx context.Context, p *peer.Peer, _ json.RawMessage) (any, error) {
		if err := requireRole(p, domain.RoleModerator); err != nil {
			return nil, err
		}
		r.broadcast(p, method, nil, false)
		return nil, nil
	}
}

func (r *Room) roleTarget(p *peer.Peer, data json.RawMessage) (*peer.Peer, domain.Role, error) {
	if err := requireRole(p, domain.RoleModerator); err != nil {
		return nil, 0, err
	}
	req, err := decode[roleRequest](data)
	if err != nil {
		return nil, 0, err
	}
	if !req.Role.IsValid() {
		return nil, 0, core.BadRequest("invalid role")
	}
	if !req.Role.Mutable() {
		return nil, 0, core.Forbidden("role %s cannot be changed", req.Role)
	}
	t, err := r.target(req.PeerID)
	if err != nil {
		return nil, 0, err
	}
	return t, req.Role, nil
}

func roleError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRole):
		return core.BadRequest("%v", err)
	case errors.Is(err, domain.ErrImmutableRole):
		return core.Forbidden("%v", err)
	}
	return err
}

func (r *Room) addRole(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	t, role, err := r.roleTarget(p, data)
	if err != nil {
		return nil, err
	}
	if _, err := t.AddRole(role); err != nil {
		return nil, roleError(err)
	}
	return nil, nil
}

func (r *Room) removeRole(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	t, role, err := r.roleTarget(p, data)
	if err != nil {
		return nil, err
	}
	changed, err := t.RemoveRole(role)
	if err != nil {
		return nil, roleError(err)
	}
	if changed && role.Has(domain.RolePublisher) {
		t.SetRaisedHand(false, time.Now())
	}
	return nil, nil
}

func (r *Room) kickPeer(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	t, err := r.moderatorTarget(p, data)
	if err != nil {
		return nil, err
	}
	r.kick(t, "kicked by "+string(p.ID()))
	return nil, nil
}

// Kick removes a peer on behalf of an operator outside the room.
func (r *Room) Kick(id domain.PeerID, reason string) bool {
	p, ok := r.Peer(id)
	if !ok {
		return false
	}
	r.kick(p, reason)
	return true
}

func (r *Room) kick(p *peer.Peer, reason string) {
	r.notify(p, "moderator:kick", nil)
	r.removePeer(p, reason)
}

func (r *Room) closeRoom(ctx context.Context, p *peer.Peer, _ json.RawMessage) (any, error) {
	if err := requireRole(p, domain.RoleOwner); err != nil {
		return nil, err
	}
	r.broadcast(p, "moderator:closeRoom", peerNotice{PeerID: p.ID()}, false)
	time.AfterFunc(closeRoomDelay, r.Close)
	r.log.Info().Str("peer_id", string(p.ID())).Msg("room closed by owner")
	return nil, nil
}
