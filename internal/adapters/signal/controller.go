package signal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/auth"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/peer"
	"github.com/dkeye/Huddle/internal/app/room"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// joinAttempts bounds how often a connection chases a room that closed
// between lookup and join.
const joinAttempts = 3

// Controller upgrades signaling requests and admits the peer into its room.
type Controller struct {
	rooms        *app.RoomManager
	auth         *auth.Verifier
	defaultRoles domain.Role
	opts         Options
	upgrader     websocket.Upgrader
}

func NewController(rooms *app.RoomManager, verifier *auth.Verifier, defaultRoles domain.Role, opts Options) *Controller {
	return &Controller{
		rooms:        rooms,
		auth:         verifier,
		defaultRoles: defaultRoles,
		opts:         opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleSignal serves GET /api/ws/signal?roomId=&peerId=&token=&codec=.
// Without peerId the client token cookie is used, so a browser keeps its
// peer id across reloads.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	roomID := domain.RoomID(c.Query("roomId"))
	peerID := domain.PeerID(c.Query("peerId"))
	if peerID == "" {
		peerID = domain.PeerID(c.GetString("client_token"))
	}
	if roomID == "" || peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and peerId are required"})
		return
	}
	codec, err := CodecByName(c.Query("codec"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := ctl.auth.Identify(auth.TokenFromRequest(c.Request))
	if err != nil {
		log.Debug().Str("module", "signal").Err(err).Str("peer_id", string(peerID)).Msg("rejected token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	if id.Anonymous {
		id.Subject = c.GetString("client_token")
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "signal").Err(err).Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("room_id", string(roomID)).Str("peer_id", string(peerID)).
		Str("codec", codec.Name()).Msg("new WS connection")

	ch := NewChannel(ws, string(peerID), codec, ctl.opts)
	ctx := c.Request.Context()
	p, err := ctl.join(ctx, roomID, peerID, id, ch)
	if err != nil {
		log.Warn().Str("module", "signal").Err(err).Str("room_id", string(roomID)).Str("peer_id", string(peerID)).Msg("join failed")
		ch.Close()
		return
	}

	ch.Run(ctx)
	if p.Closed() {
		ctl.opts.Limiter.Forget(string(peerID))
	}
}

// join admits the connection, retrying when the room it found closes under
// it. Each attempt builds a fresh candidate peer; on a reconnect the room
// keeps its existing peer as long as the subject matches.
func (ctl *Controller) join(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, id auth.Identity, ch *Channel) (*peer.Peer, error) {
	for range joinAttempts {
		r := ctl.rooms.GetOrCreate(roomID)
		candidate := peer.New(peerID, roomID, auth.InitialRoles(id, r.Owner(), ctl.defaultRoles))
		candidate.SetSubject(id.Subject)
		candidate.Authenticate(id.Profile, time.Now())
		p, err := r.Admit(ctx, candidate, ch)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		return p, err
	}
	return nil, room.ErrRoomClosed
}
