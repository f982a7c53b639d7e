package room

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type handlerFunc func(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error)

func (r *Room) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"getRouterRtpCapabilities":   r.getRouterRtpCapabilities,
		"join":                       r.handleJoin,
		"createWebRtcTransport":      r.createWebRtcTransport,
		"createPlainTransport":       r.createPlainTransport,
		"connectWebRtcTransport":     r.connectWebRtcTransport,
		"restartIce":                 r.restartIce,
		"produce":                    r.produce,
		"closeProducer":              r.closeProducer,
		"pauseProducer":              r.pauseProducer,
		"resumeProducer":             r.resumeProducer,
		"pauseConsumer":              r.pauseConsumer,
		"resumeConsumer":             r.resumeConsumer,
		"setConsumerPriority":        r.setConsumerPriority,
		"setConsumerPreferredLayers": r.setConsumerPreferredLayers,
		"requestConsumerKeyFrame":    r.requestConsumerKeyFrame,
		"changeDisplayName":          r.changeDisplayName,
		"changePicture":              r.changePicture,
		"chatMessage":                r.chatMessage,
		"raisedHand":                 r.raisedHand,

		"moderator:clearChat":            r.clearChat,
		"moderator:lowerHand":            r.lowerHand,
		"moderator:mute":                 r.forwardToPeer("moderator:mute"),
		"moderator:stopVideo":            r.forwardToPeer("moderator:stopVideo"),
		"moderator:stopScreenSharing":    r.forwardToPeer("moderator:stopScreenSharing"),
		"moderator:muteAll":              r.forwardToAll("moderator:mute"),
		"moderator:stopAllVideo":         r.forwardToAll("moderator:stopVideo"),
		"moderator:stopAllScreenSharing": r.forwardToAll("moderator:stopScreenSharing"),
		"moderator:addRole":              r.addRole,
		"moderator:removeRole":           r.removeRole,
		"moderator:kickPeer":             r.kickPeer,
		"moderator:closeRoom":            r.closeRoom,
	}
}

// Dispatch authorizes and runs one request from p. It always yields exactly
// one result: the handler's payload, or a *core.RequestError.
func (r *Room) Dispatch(ctx context.Context, p *peer.Peer, method string, data json.RawMessage) (res any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("peer_id", string(p.ID())).
				Str("method", method).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("request handler panicked")
			res, err = nil, core.Internal()
		}
	}()

	h, ok := r.methods[method]
	if !ok {
		r.log.Debug().Str("peer_id", string(p.ID())).Str("method", method).Msg("unknown method")
		return nil, core.BadRequest("unknown method %q", method)
	}
	if p.Closed() {
		return nil, core.NotFound("peer %s is closed", p.ID())
	}

	res, err = h(ctx, p, data)
	if err == nil {
		return res, nil
	}
	if re, ok := core.AsRequestError(err); ok {
		r.log.Debug().
			Str("peer_id", string(p.ID())).
			Str("method", method).
			Int("code", re.Code).
			Str("reason", re.Message).
			Msg("request rejected")
		return nil, re
	}
	r.log.Error().Err(err).Str("peer_id", string(p.ID())).Str("method", method).Msg("request failed")
	return nil, core.Internal()
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, core.BadRequest("malformed request data: %v", err)
	}
	return v, nil
}

func requireJoined(p *peer.Peer) error {
	if !p.Joined() {
		return core.Forbidden("peer not joined")
	}
	return nil
}

func requireRole(p *peer.Peer, role domain.Role) error {
	if !p.HasRole(role) {
		return core.Forbidden("peer not authorized, %s required", role)
	}
	return nil
}

// routerOf returns the router p is assigned to.
func (r *Room) routerOf(p *peer.Peer) (core.Router, error) {
	rt, ok := r.sched.router(p.RouterID())
	if !ok || rt.Closed() {
		return nil, core.NotFound("router for peer %s not found", p.ID())
	}
	return rt, nil
}

// target resolves the peer a moderator action is aimed at.
func (r *Room) target(id domain.PeerID) (*peer.Peer, error) {
	if id == "" {
		return nil, core.BadRequest("peerId required")
	}
	p, ok := r.Peer(id)
	if !ok || p.Closed() {
		return nil, core.NotFound("peer %s not found", id)
	}
	return p, nil
}

// alive re-validates p after a suspension point.
func alive(p *peer.Peer) error {
	if p.Closed() {
		return core.NotFound("peer %s is closed", p.ID())
	}
	return nil
}
