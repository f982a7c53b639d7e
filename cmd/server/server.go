package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/auth"
	"github.com/dkeye/Huddle/internal/adapters/engine"
	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/adapters/stats"
	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/adapters/webhook"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/room"
	"github.com/dkeye/Huddle/internal/app/signaling"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}
	setupLogger(cfg.Log.Level, cfg.Log.JSON)
	cfg.PrintSummary(os.Stdout)

	defaultRoles, err := cfg.DefaultRoles()
	if err != nil {
		return err
	}
	node, err := os.Hostname()
	if err != nil || node == "" {
		node = "huddle"
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	workers, err := engine.New(engine.Options{
		NumWorkers: cfg.Engine.NumWorkers,
		UDPPort:    cfg.Engine.UDPPort,
		ListenIPs:  cfg.WebRtcTransport.ListenIPs,
	})
	if err != nil {
		return fmt.Errorf("start media engine: %w", err)
	}
	cleanup = append(cleanup, workers.Close)

	observers := core.Observers{}

	var dir store.Directory
	var redisDir *store.RedisDirectory
	if cfg.Redis.Addr != "" {
		client := store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		redisDir = store.NewRedisDirectory(client, node, cfg.Redis.TTL)
		dir = redisDir
		cleanup = append(cleanup, func() { _ = client.Close() })
	} else {
		dir = store.NewLocalDirectory(node)
	}
	cleanup = append(cleanup, func() {
		if err := dir.Close(); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("close room directory")
		}
	})
	observers = append(observers, dir)

	if len(cfg.ClickHouse.Addr) > 0 {
		writer, err := stats.OpenClickHouse(ctx, stats.ClickHouseOptions{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			return err
		}
		sink := stats.NewSink(writer, node, cfg.ClickHouse.FlushInterval, stats.DefaultBatchSize)
		cleanup = append(cleanup, func() { _ = writer.Close() }, sink.Close)
		observers = append(observers, sink)
	}

	if cfg.Webhook.URL != "" {
		hook := webhook.New(webhook.Options{
			URL:     cfg.Webhook.URL,
			Retries: cfg.Webhook.Retries,
			Timeout: cfg.Webhook.Timeout,
		})
		cleanup = append(cleanup, hook.Close)
		observers = append(observers, hook)
	}

	opts := room.Options{
		RouterScaleSize:    cfg.Room.RouterScaleSize,
		EmptyTimeout:       cfg.Room.EmptyTimeout,
		ReconnectGrace:     cfg.Room.ReconnectGrace,
		MaxIncomingBitrate: cfg.WebRtcTransport.MaxIncomingBitrate,
		ListenIPs:          cfg.WebRtcTransport.ListenIPs,
		MaxChatHistory:     cfg.Room.MaxChatHistory,
	}
	if len(cfg.Turn.URLs) > 0 {
		opts.Turn = &cfg.Turn
	}
	rooms := app.NewRoomManager(opts, room.Deps{
		Workers:   workers,
		Requester: signaling.NewRequester(cfg.Signaling.RequestTimeout, cfg.Signaling.RequestRetries),
		Notifier:  signaling.NewNotifier(&signaling.SimplePolicy{MaxDrops: cfg.Signaling.MaxDrops}),
		Observer:  observers,
	})
	cleanup = append(cleanup, rooms.CloseAll)

	if redisDir != nil {
		redisDir.OnRemoteClose(ctx, func(roomID string) {
			if r, ok := rooms.Get(domain.RoomID(roomID)); ok {
				log.Info().Str("module", "main").Str("room_id", roomID).Msg("room closed on another node")
				r.Close()
			}
		})
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Required)
	ctl := signal.NewController(rooms, verifier, defaultRoles, signal.Options{
		SendBuffer: cfg.Signaling.SendBuffer,
		ReadLimit:  cfg.Signaling.ReadLimit,
		PingPeriod: cfg.Signaling.PingPeriod,
		Limiter:    signal.NewRateLimiter(cfg.Signaling.RateLimit, cfg.Signaling.RateInterval),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(cfg, rooms, dir, verifier, ctl),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Str("node", node).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
	}

	log.Info().Str("module", "main").Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("server exited gracefully")
	return nil
}
