package http

import (
	"slices"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/auth"
	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "HuddleSessions"
	clientTokenKey = "client_token"
	clientTokenTTL = 7 * 24 * time.Hour
)

// ClientTokenMiddleware gives every browser a stable id kept in its cookie
// session. It doubles as the default peer id and the anonymous subject.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func SetupRouter(cfg *config.Config, rooms *app.RoomManager, dir store.Directory, verifier *auth.Verifier, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if len(cfg.CORS.AllowOrigins) > 0 {
		r.Use(corsMiddleware(cfg.CORS.AllowOrigins))
	}

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(clientTokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	h := &roomsHandler{rooms: rooms, dir: dir}
	r.GET("/healthz", h.health)

	api := r.Group("/api")
	api.GET("/ws/signal", ctl.HandleSignal)
	api.GET("/rooms", h.list)
	api.GET("/rooms/:id", h.get)
	api.GET("/rooms/:id/peers", h.peers)
	api.GET("/directory", h.directory)
	api.GET("/directory/:id", h.directoryRoom)

	owned := api.Group("", auth.Middleware(verifier))
	owned.POST("/rooms", h.create)
	owned.DELETE("/rooms/:id", h.close)
	owned.DELETE("/rooms/:id/peers/:peerId", h.kick)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
