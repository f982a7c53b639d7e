package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type joinRequest struct {
	DisplayName     string          `json:"displayName"`
	Picture         string          `json:"picture"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type joinResponse struct {
	RoomID      domain.RoomID        `json:"roomId"`
	Peers       []peer.Info          `json:"peers"`
	Roles       []domain.Role        `json:"roles"`
	ChatHistory []domain.ChatMessage `json:"chatHistory"`
}

func (r *Room) handleJoin(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if !p.Authenticated() {
		return nil, core.Unauthorized("peer not authenticated")
	}
	if p.Joined() {
		return nil, core.Conflict("peer already joined")
	}
	req, err := decode[joinRequest](data)
	if err != nil {
		return nil, err
	}
	var profile domain.Profile
	if req.DisplayName != "" {
		if profile.DisplayName, err = domain.ValidateDisplayName(req.DisplayName); err != nil {
			return nil, core.BadRequest("%v", err)
		}
	}
	if profile.Picture, err = domain.ValidatePicture(req.Picture); err != nil {
		return nil, core.BadRequest("%v", err)
	}

	p.UpdateProfile(profile)
	if len(req.RtpCapabilities) > 0 && string(req.RtpCapabilities) != "null" {
		p.SetRtpCapabilities(req.RtpCapabilities)
	}
	if !p.MarkJoined(time.Now()) {
		if err := alive(p); err != nil {
			return nil, err
		}
		return nil, core.Conflict("peer already joined")
	}

	others := r.joinedPeers(p)
	infos := make([]peer.Info, 0, len(others))
	for _, other := range others {
		infos = append(infos, other.Info())
	}
	res := joinResponse{
		RoomID:      r.id,
		Peers:       infos,
		Roles:       p.Roles().List(),
		ChatHistory: r.chatHistory(),
	}

	for _, other := range others {
		for _, pr := range other.Producers() {
			r.consumeAsync(p, other, pr)
		}
	}
	r.broadcast(p, "newPeer", p.Info(), false)
	r.emit(core.PeerJoined, p.ID(), nil)
	r.log.Info().Str("peer_id", string(p.ID())).Str("display_name", p.DisplayName()).Msg("peer joined")
	return res, nil
}

type displayNameRequest struct {
	DisplayName string `json:"displayName"`
}

func (r *Room) changeDisplayName(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	req, err := decode[displayNameRequest](data)
	if err != nil {
		return nil, err
	}
	name, err := domain.ValidateDisplayName(req.DisplayName)
	if err != nil {
		return nil, core.BadRequest("%v", err)
	}
	p.SetDisplayName(name)
	return nil, nil
}

type pictureRequest struct {
	Picture string `json:"picture"`
}

func (r *Room) changePicture(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	req, err := decode[pictureRequest](data)
	if err != nil {
		return nil, err
	}
	picture, err := domain.ValidatePicture(req.Picture)
	if err != nil {
		return nil, core.BadRequest("%v", err)
	}
	p.SetPicture(picture)
	return nil, nil
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatNotice struct {
	PeerID      domain.PeerID      `json:"peerId"`
	ChatMessage domain.ChatMessage `json:"chatMessage"`
}

func (r *Room) chatMessage(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	req, err := decode[chatRequest](data)
	if err != nil {
		return nil, err
	}
	text, err := domain.ValidateChatMessage(req.Text)
	if err != nil {
		return nil, core.BadRequest("%v", err)
	}
	profile := p.Profile()
	msg := domain.ChatMessage{
		PeerID:      p.ID(),
		DisplayName: profile.DisplayName,
		Picture:     profile.Picture,
		Text:        text,
		Time:        time.Now().UnixMilli(),
	}

	r.mu.Lock()
	r.chat = append(r.chat, msg)
	if over := len(r.chat) - r.opts.MaxChatHistory; over > 0 {
		r.chat = append([]domain.ChatMessage(nil), r.chat[over:]...)
	}
	r.mu.Unlock()

	r.broadcast(p, "chatMessage", chatNotice{PeerID: p.ID(), ChatMessage: msg}, true)
	return nil, nil
}

func (r *Room) chatHistory() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChatMessage{}, r.chat...)
}

type raisedHandRequest struct {
	RaisedHand bool `json:"raisedHand"`
}

func (r *Room) raisedHand(ctx context.Context, p *peer.Peer, data json.RawMessage) (any, error) {
	if err := requireJoined(p); err != nil {
		return nil, err
	}
	req, err := decode[raisedHandRequest](data)
	if err != nil {
		return nil, err
	}
	p.SetRaisedHand(req.RaisedHand, time.Now())
	return nil, nil
}
