package http

import (
	"net/http"

	"github.com/dkeye/Huddle/internal/adapters/auth"
	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/room"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type roomsHandler struct {
	rooms *app.RoomManager
	dir   store.Directory
}

type createRoomResponse struct {
	RoomID domain.RoomID `json:"roomId"`
}

func (h *roomsHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.rooms.Len()})
}

// GET /api/rooms
func (h *roomsHandler) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.List()})
}

// POST /api/rooms. The caller becomes the owner of the new room.
func (h *roomsHandler) create(c *gin.Context) {
	id, _ := auth.FromContext(c)
	if id.Subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot create a room without an identity"})
		return
	}
	r := h.rooms.Create(id.Subject)
	log.Info().Str("module", "adapters.http").Str("room_id", string(r.ID())).Str("owner", id.Subject).Msg("room created")
	c.JSON(http.StatusCreated, createRoomResponse{RoomID: r.ID()})
}

func (h *roomsHandler) room(c *gin.Context) (*room.Room, bool) {
	r, ok := h.rooms.Get(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	}
	return r, ok
}

// GET /api/rooms/:id
func (h *roomsHandler) get(c *gin.Context) {
	if r, ok := h.room(c); ok {
		c.JSON(http.StatusOK, r.Info())
	}
}

// GET /api/rooms/:id/peers
func (h *roomsHandler) peers(c *gin.Context) {
	if r, ok := h.room(c); ok {
		c.JSON(http.StatusOK, gin.H{"peers": r.Peers()})
	}
}

// ownedRoom resolves the room and checks the caller owns it.
func (h *roomsHandler) ownedRoom(c *gin.Context) (*room.Room, bool) {
	r, ok := h.room(c)
	if !ok {
		return nil, false
	}
	id, _ := auth.FromContext(c)
	if r.Owner() == "" || id.Subject != r.Owner() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the room owner can do this"})
		return nil, false
	}
	return r, true
}

// DELETE /api/rooms/:id
func (h *roomsHandler) close(c *gin.Context) {
	r, ok := h.ownedRoom(c)
	if !ok {
		return
	}
	r.Close()
	c.Status(http.StatusNoContent)
}

// DELETE /api/rooms/:id/peers/:peerId
func (h *roomsHandler) kick(c *gin.Context) {
	r, ok := h.ownedRoom(c)
	if !ok {
		return
	}
	if !r.Kick(domain.PeerID(c.Param("peerId")), "kicked by owner via api") {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/directory lists rooms open on every node sharing the directory.
func (h *roomsHandler) directory(c *gin.Context) {
	rooms, err := h.dir.Rooms(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("directory lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "directory unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GET /api/directory/:id
func (h *roomsHandler) directoryRoom(c *gin.Context) {
	rec, ok, err := h.dir.Room(c.Request.Context(), c.Param("id"))
	switch {
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("directory lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "directory unavailable"})
	case !ok:
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	default:
		c.JSON(http.StatusOK, rec)
	}
}
